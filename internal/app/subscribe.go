package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/storage"
)

// SubscribeOptions describe one push subscription.
type SubscribeOptions struct {
	Endpoint      string
	Keys          json.RawMessage
	Threshold     *decimal.Decimal
	ThresholdType string
	Volatility    bool
}

// Subscribe registers or replaces a subscription.
func (a *App) Subscribe(ctx context.Context, opts SubscribeOptions) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	if !eng.backend.persistent {
		a.Logger.Warn().Msg("subscription is kept in memory only and will be lost on exit")
	}

	err = eng.svc.UpsertSubscription(ctx, storage.Subscription{
		Endpoint:        opts.Endpoint,
		Keys:            opts.Keys,
		Threshold:       opts.Threshold,
		ThresholdType:   storage.ParseThresholdType(opts.ThresholdType),
		VolatilityAlert: opts.Volatility,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "subscription %s saved\n", alerting.Fingerprint(opts.Endpoint))
	return nil
}

// Unsubscribe removes a subscription.
func (a *App) Unsubscribe(ctx context.Context, endpoint string) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.svc.ClearSubscription(ctx, endpoint); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "subscription %s cleared\n", alerting.Fingerprint(endpoint))
	return nil
}

// Status prints the alert settings of an endpoint as JSON.
func (a *App) Status(ctx context.Context, endpoint string) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	status, err := eng.svc.SubscriptionStatus(ctx, endpoint)
	if err != nil {
		return err
	}

	var threshold *string
	if status.Threshold != nil {
		v := status.Threshold.String()
		threshold = &v
	}
	view := struct {
		Threshold        *string `json:"threshold"`
		ThresholdType    string  `json:"threshold_type"`
		VolatilityAlert  bool    `json:"volatility_alert"`
		ThresholdEnabled bool    `json:"threshold_enabled"`
		Found            bool    `json:"found"`
		Gone             bool    `json:"gone,omitempty"`
	}{threshold, string(status.ThresholdType), status.VolatilityAlert, status.ThresholdEnabled, status.Found, status.Gone}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// TestPush delivers the test notification to an endpoint.
func (a *App) TestPush(ctx context.Context, endpoint string, keys json.RawMessage) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	outcome, err := eng.svc.SendTest(ctx, endpoint, keys)
	if err != nil {
		return fmt.Errorf("test push %s: %w", outcome, err)
	}
	fmt.Fprintf(os.Stdout, "test push %s\n", outcome)
	return nil
}
