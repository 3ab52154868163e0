package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
)

// ErrVAPIDNotConfigured is returned while no VAPID private key is set.
var ErrVAPIDNotConfigured = errors.New("alerting: vapid private key not configured")

// WebPushOptions carry VAPID credentials and message defaults.
type WebPushOptions struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	Urgency         string
	Timeout         time.Duration
}

// WebPush delivers payloads through the Web Push protocol.
type WebPush struct {
	opts   WebPushOptions
	client *http.Client
	logger zerolog.Logger
}

// NewWebPush builds a web push deliverer.
func NewWebPush(opts WebPushOptions, logger zerolog.Logger) *WebPush {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Subscriber == "" {
		opts.Subscriber = "mailto:admin@example.com"
	}
	if opts.Urgency == "" {
		opts.Urgency = string(webpush.UrgencyNormal)
	}
	return &WebPush{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "webpush").Logger(),
	}
}

// Deliver sends one encrypted payload. 404 and 410 mean the endpoint is gone;
// every other failure is transient.
func (w *WebPush) Deliver(ctx context.Context, endpoint string, keys json.RawMessage, payload []byte) (Outcome, error) {
	if w.opts.VAPIDPrivateKey == "" {
		w.logger.Error().Msg("cannot send push: vapid private key not configured")
		return OutcomeTransient, ErrVAPIDNotConfigured
	}

	var k webpush.Keys
	if err := json.Unmarshal(keys, &k); err != nil {
		return OutcomeTransient, fmt.Errorf("decode subscription keys: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{Endpoint: endpoint, Keys: k}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.opts.Subscriber,
		TTL:             w.opts.TTL,
		Urgency:         webpush.Urgency(w.opts.Urgency),
		VAPIDPublicKey:  w.opts.VAPIDPublicKey,
		VAPIDPrivateKey: w.opts.VAPIDPrivateKey,
	})
	if err != nil {
		return OutcomeTransient, fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	outcome := classifyStatus(resp.StatusCode)
	if outcome == OutcomeSent {
		return OutcomeSent, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return outcome, fmt.Errorf("push service responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

var _ Deliverer = (*WebPush)(nil)
