package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/events"
	"fx-rate-alerts/internal/metrics"
	"fx-rate-alerts/internal/storage"
)

const defaultIcon = "/icons/icon-192x192.png"

// Result is the outcome of one subscription's dispatch.
type Result struct {
	Fingerprint string
	Kind        storage.AlertKind
	Outcome     Outcome
	// Claimed is false when another cycle disarmed the threshold first.
	Claimed bool
	Err     error
}

// DispatcherOptions tune delivery side effects.
type DispatcherOptions struct {
	Icon string
	// PruneGone deletes subscriptions reported gone instead of flagging them.
	PruneGone bool
}

// Dispatcher delivers alerts and applies the resulting registry transitions.
type Dispatcher struct {
	subs      storage.SubscriptionStore
	audit     storage.AlertStore
	deliverer Deliverer
	publisher events.Publisher
	metrics   *metrics.Metrics
	opts      DispatcherOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher wires a dispatcher. audit, publisher and m may be nil.
func NewDispatcher(subs storage.SubscriptionStore, audit storage.AlertStore, deliverer Deliverer, publisher events.Publisher, m *metrics.Metrics, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Icon == "" {
		opts.Icon = defaultIcon
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Dispatcher{
		subs:      subs,
		audit:     audit,
		deliverer: deliverer,
		publisher: publisher,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ThresholdMessage renders the one-time threshold notification.
func (d *Dispatcher) ThresholdMessage(best, threshold decimal.Decimal) Message {
	return Message{
		Title: "Rate Alert!",
		Body:  fmt.Sprintf("Exchange rate is now %s (Threshold: %s)", best.StringFixed(4), threshold.StringFixed(4)),
		Icon:  d.opts.Icon,
	}
}

// VolatilityMessage renders the volatility notification.
func (d *Dispatcher) VolatilityMessage(s Spike) Message {
	return Message{
		Title: "High Volatility Alert",
		Body:  fmt.Sprintf("%s rate changed by %s%% (%s - %s)", s.Source, s.Pct.StringFixed(2), s.Min.StringFixed(4), s.Max.StringFixed(4)),
		Icon:  d.opts.Icon,
	}
}

// TestMessage renders the test notification.
func (d *Dispatcher) TestMessage() Message {
	return Message{
		Title: "Test Notification",
		Body:  "Your alerts are working correctly! 🚀",
		Icon:  d.opts.Icon,
	}
}

// FireThreshold claims the armed threshold, then delivers. Only the caller that
// wins the conditional disarm delivers. A transient failure re-arms the row if it
// is still disarmed; a gone endpoint stays disarmed.
func (d *Dispatcher) FireThreshold(ctx context.Context, cycleID string, sub storage.Subscription, best decimal.Decimal) Result {
	res := Result{Fingerprint: Fingerprint(sub.Endpoint), Kind: storage.AlertThreshold}
	log := d.logger.With().Str("cycle_id", cycleID).Str("fingerprint", res.Fingerprint).Logger()

	if sub.Threshold == nil {
		return res
	}
	threshold := *sub.Threshold

	claimed, err := d.subs.DisarmThreshold(ctx, sub.Endpoint, threshold, sub.ThresholdType)
	if err != nil {
		res.Err = fmt.Errorf("disarm threshold: %w", err)
		log.Error().Err(err).Msg("threshold claim failed")
		return res
	}
	if !claimed {
		log.Debug().Msg("threshold already disarmed by another cycle")
		return res
	}
	res.Claimed = true

	log.Info().
		Str("best_rate", best.String()).
		Str("threshold", threshold.String()).
		Str("threshold_type", string(sub.ThresholdType)).
		Msg("threshold alert triggered")

	outcome, err := d.deliverer.Deliver(ctx, sub.Endpoint, sub.Keys, d.ThresholdMessage(best, threshold).Encode())
	res.Outcome, res.Err = outcome, err

	switch outcome {
	case OutcomeTransient:
		rearmed, rerr := d.subs.RearmThreshold(ctx, sub.Endpoint, threshold, sub.ThresholdType)
		if rerr != nil {
			log.Error().Err(rerr).Msg("re-arm after transient failure failed")
		}
		log.Warn().Err(err).Bool("rearmed", rearmed).Msg("threshold delivery failed")
	case OutcomeGone:
		d.handleGone(ctx, log, sub.Endpoint)
	default:
		log.Info().Msg("threshold disarmed after alert")
	}

	d.record(ctx, cycleID, storage.AlertRecord{
		Kind:        storage.AlertThreshold,
		Fingerprint: res.Fingerprint,
		Rate:        best,
		Threshold:   decimal.NewNullDecimal(threshold),
		Outcome:     string(outcome),
	})
	return res
}

// SendVolatility delivers one spike to every subscriber independently.
func (d *Dispatcher) SendVolatility(ctx context.Context, cycleID string, spike Spike, subscribers []storage.Subscription) []Result {
	payload := d.VolatilityMessage(spike).Encode()
	results := make([]Result, 0, len(subscribers))

	for _, sub := range subscribers {
		res := Result{Fingerprint: Fingerprint(sub.Endpoint), Kind: storage.AlertVolatility, Claimed: true}
		log := d.logger.With().Str("cycle_id", cycleID).Str("fingerprint", res.Fingerprint).Str("source", spike.Source).Logger()

		outcome, err := d.deliverer.Deliver(ctx, sub.Endpoint, sub.Keys, payload)
		res.Outcome, res.Err = outcome, err
		switch outcome {
		case OutcomeSent:
			log.Info().Msg("volatility notification sent")
		case OutcomeGone:
			d.handleGone(ctx, log, sub.Endpoint)
		default:
			log.Warn().Err(err).Msg("volatility delivery failed")
		}

		d.record(ctx, cycleID, storage.AlertRecord{
			Kind:          storage.AlertVolatility,
			Fingerprint:   res.Fingerprint,
			Source:        spike.Source,
			Rate:          spike.Max,
			VolatilityPct: decimal.NewNullDecimal(spike.Pct.Round(4)),
			Outcome:       string(outcome),
		})
		results = append(results, res)
	}
	return results
}

// SendTest delivers the test notification without touching subscription state.
func (d *Dispatcher) SendTest(ctx context.Context, endpoint string, keys json.RawMessage) (Outcome, error) {
	outcome, err := d.deliverer.Deliver(ctx, endpoint, keys, d.TestMessage().Encode())
	d.record(ctx, "", storage.AlertRecord{
		Kind:        storage.AlertTest,
		Fingerprint: Fingerprint(endpoint),
		Outcome:     string(outcome),
	})
	return outcome, err
}

func (d *Dispatcher) handleGone(ctx context.Context, log zerolog.Logger, endpoint string) {
	if d.opts.PruneGone {
		if err := d.subs.DeleteSubscription(ctx, endpoint); err != nil {
			log.Error().Err(err).Msg("prune gone subscription failed")
			return
		}
		log.Info().Msg("subscription gone, pruned")
		return
	}
	if err := d.subs.MarkGone(ctx, endpoint, d.now()); err != nil {
		log.Error().Err(err).Msg("flag gone subscription failed")
		return
	}
	log.Info().Msg("subscription gone, flagged")
}

// record writes the audit row and the event. Failures only log.
func (d *Dispatcher) record(ctx context.Context, cycleID string, rec storage.AlertRecord) {
	d.metrics.ObserveAlert(string(rec.Kind), rec.Outcome)

	if d.audit != nil {
		stored, err := d.audit.InsertAlert(ctx, rec)
		if err != nil {
			d.logger.Warn().Err(err).Str("fingerprint", rec.Fingerprint).Msg("audit alert failed")
		} else {
			rec = stored
		}
	}

	occurred := rec.CreatedAt
	if occurred.IsZero() {
		occurred = d.now()
	}
	ev := events.AlertEvent{
		ID:          uuid.NewString(),
		CycleID:     cycleID,
		Kind:        string(rec.Kind),
		Fingerprint: rec.Fingerprint,
		Source:      rec.Source,
		Outcome:     rec.Outcome,
		OccurredAt:  occurred,
	}
	if !rec.Rate.IsZero() {
		ev.Rate = rec.Rate.String()
	}
	if rec.Threshold.Valid {
		ev.Threshold = rec.Threshold.Decimal.String()
	}
	if rec.VolatilityPct.Valid {
		ev.VolatilityPct = rec.VolatilityPct.Decimal.String()
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Warn().Err(err).Str("fingerprint", rec.Fingerprint).Msg("publish alert event failed")
	}
}
