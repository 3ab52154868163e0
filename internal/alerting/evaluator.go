package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// ThresholdTriggered reports whether an armed subscription fires at best.
func ThresholdTriggered(sub storage.Subscription, best decimal.Decimal) bool {
	if sub.Threshold == nil {
		return false
	}
	if sub.ThresholdType == storage.ThresholdBelow {
		return best.LessThanOrEqual(*sub.Threshold)
	}
	return best.GreaterThanOrEqual(*sub.Threshold)
}

// Volatility returns (max-min)/min*100 over a range. ok is false when min <= 0.
func Volatility(rng storage.RateRange) (pct decimal.Decimal, ok bool) {
	if !rng.Min.IsPositive() {
		return decimal.Decimal{}, false
	}
	return rng.Max.Sub(rng.Min).Div(rng.Min).Mul(hundred), true
}

// Spike is a source whose trailing window exceeded the volatility threshold.
type Spike struct {
	Source string
	Pct    decimal.Decimal
	Min    decimal.Decimal
	Max    decimal.Decimal
}

// EvaluatorOptions set detection thresholds.
type EvaluatorOptions struct {
	VolatilityThreshold decimal.Decimal
	VolatilityPeriod    time.Duration
	// OnVolatility, when set, receives every computed percentage.
	OnVolatility func(source string, pct decimal.Decimal)
}

// Evaluator decides which alert conditions hold over the persisted series.
type Evaluator struct {
	rates  storage.RateStore
	subs   storage.SubscriptionStore
	opts   EvaluatorOptions
	logger zerolog.Logger
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(rates storage.RateStore, subs storage.SubscriptionStore, opts EvaluatorOptions, logger zerolog.Logger) *Evaluator {
	if opts.VolatilityPeriod <= 0 {
		opts.VolatilityPeriod = time.Hour
	}
	return &Evaluator{
		rates:  rates,
		subs:   subs,
		opts:   opts,
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Period returns the trailing volatility window.
func (e *Evaluator) Period() time.Duration {
	return e.opts.VolatilityPeriod
}

// Spikes lists sources whose volatility since now-period meets the threshold.
func (e *Evaluator) Spikes(ctx context.Context, now time.Time) ([]Spike, error) {
	ranges, err := e.rates.RangesSince(ctx, now.Add(-e.opts.VolatilityPeriod))
	if err != nil {
		return nil, fmt.Errorf("volatility window: %w", err)
	}

	spikes := make([]Spike, 0)
	for _, rng := range ranges {
		pct, ok := Volatility(rng)
		if !ok {
			e.logger.Debug().Str("source", rng.Source).Str("min", rng.Min.String()).Msg("volatility undefined, skipping source")
			continue
		}
		if e.opts.OnVolatility != nil {
			e.opts.OnVolatility(rng.Source, pct)
		}
		if pct.LessThan(e.opts.VolatilityThreshold) {
			continue
		}
		e.logger.Warn().
			Str("source", rng.Source).
			Str("volatility_pct", pct.StringFixed(2)).
			Str("min", rng.Min.String()).
			Str("max", rng.Max.String()).
			Msg("volatility alert")
		spikes = append(spikes, Spike{Source: rng.Source, Pct: pct, Min: rng.Min, Max: rng.Max})
	}
	return spikes, nil
}

// Triggered lists armed subscriptions whose threshold holds at best.
func (e *Evaluator) Triggered(ctx context.Context, best decimal.Decimal) ([]storage.Subscription, error) {
	armed, err := e.subs.ListArmedThresholds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list armed thresholds: %w", err)
	}

	triggered := make([]storage.Subscription, 0)
	for _, sub := range armed {
		if ThresholdTriggered(sub, best) {
			triggered = append(triggered, sub)
		}
	}
	return triggered, nil
}
