package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/storage"
)

// SourceHistory is the recent samples of one source, newest first.
type SourceHistory struct {
	Source  string
	Samples []storage.RateSample
}

// TrendPoint is one minute bucket of a trend series.
type TrendPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Rate      decimal.Decimal `json:"rate"`
}

// Trends groups trend points per source.
type Trends struct {
	PeriodDays int                     `json:"period_days"`
	Data       map[string][]TrendPoint `json:"data"`
}

// Conversion is an amount converted at one source's latest rate.
type Conversion struct {
	Source    string
	Rate      decimal.Decimal
	Amount    decimal.Decimal
	Converted decimal.Decimal
	At        time.Time
}

// PurgeReport describes a retention run.
type PurgeReport struct {
	Cutoff  time.Time
	Samples int64
	Alerts  int64
	// Skipped is true when another replica held the purge lock.
	Skipped bool
}

// Health is the liveness view of the engine.
type Health struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Scheduler string `json:"scheduler"`
}

// LatestPerSource returns the newest sample of every source, best rate first.
func (s *Service) LatestPerSource(ctx context.Context) ([]storage.RateSample, error) {
	return s.deps.Rates.LatestPerSource(ctx)
}

// Window returns samples observed after since. An empty source selects all.
func (s *Service) Window(ctx context.Context, source string, since time.Time) ([]storage.RateSample, error) {
	return s.deps.Rates.Window(ctx, source, since)
}

// BestRateNow is the highest of the latest per-source samples.
func (s *Service) BestRateNow(ctx context.Context) (storage.RateSample, bool, error) {
	latest, err := s.deps.Rates.LatestPerSource(ctx)
	if err != nil {
		return storage.RateSample{}, false, fmt.Errorf("latest per source: %w", err)
	}
	if len(latest) == 0 {
		return storage.RateSample{}, false, nil
	}
	best := latest[0]
	for _, sample := range latest[1:] {
		if sample.Rate.GreaterThan(best.Rate) {
			best = sample
		}
	}
	return best, true, nil
}

// UpsertSubscription registers or replaces the conditions of an endpoint.
// Replacing re-arms the threshold and clears a gone flag.
func (s *Service) UpsertSubscription(ctx context.Context, sub storage.Subscription) error {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	if len(sub.Keys) == 0 {
		sub.Keys = json.RawMessage(`{}`)
	}
	if !json.Valid(sub.Keys) {
		return fmt.Errorf("%w: keys must be valid JSON", ErrInvalidSubscription)
	}
	sub.ThresholdType = storage.ParseThresholdType(string(sub.ThresholdType))
	sub.GoneAt = nil

	if err := s.deps.Subs.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	s.logger.Info().
		Str("fingerprint", alerting.Fingerprint(sub.Endpoint)).
		Bool("threshold", sub.Threshold != nil).
		Str("threshold_type", string(sub.ThresholdType)).
		Bool("volatility", sub.VolatilityAlert).
		Msg("subscription saved")
	return nil
}

// ClearSubscription removes an endpoint. Unknown endpoints are not an error.
func (s *Service) ClearSubscription(ctx context.Context, endpoint string) error {
	if err := s.deps.Subs.DeleteSubscription(ctx, strings.TrimSpace(endpoint)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.logger.Info().Str("fingerprint", alerting.Fingerprint(endpoint)).Msg("subscription cleared")
	return nil
}

// SubscriptionStatus reports the conditions of an endpoint. Unknown endpoints
// yield the default status.
func (s *Service) SubscriptionStatus(ctx context.Context, endpoint string) (storage.SubscriptionStatus, error) {
	sub, found, err := s.deps.Subs.GetSubscription(ctx, strings.TrimSpace(endpoint))
	if err != nil {
		return storage.SubscriptionStatus{}, fmt.Errorf("get subscription: %w", err)
	}
	return storage.StatusOf(sub, found), nil
}

// History lists up to perSource recent samples of every source, sorted by source.
func (s *Service) History(ctx context.Context, perSource int) ([]SourceHistory, error) {
	if perSource <= 0 {
		perSource = 10
	}
	grouped, err := s.deps.Rates.RecentPerSource(ctx, perSource)
	if err != nil {
		return nil, fmt.Errorf("recent per source: %w", err)
	}
	out := make([]SourceHistory, 0, len(grouped))
	for source, samples := range grouped {
		out = append(out, SourceHistory{Source: source, Samples: samples})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// Trends returns minute-truncated samples rounded to 3dp over the last days.
func (s *Service) Trends(ctx context.Context, source string, days int) (Trends, error) {
	if days <= 0 {
		days = 7
	}
	since := s.deps.Clock().Add(-time.Duration(days) * 24 * time.Hour)
	samples, err := s.deps.Rates.Window(ctx, source, since)
	if err != nil {
		return Trends{}, fmt.Errorf("trend window: %w", err)
	}

	trends := Trends{PeriodDays: days, Data: make(map[string][]TrendPoint)}
	for _, sample := range samples {
		trends.Data[sample.Source] = append(trends.Data[sample.Source], TrendPoint{
			Timestamp: sample.ObservedAt.UTC().Truncate(time.Minute),
			Rate:      sample.Rate.Round(3),
		})
	}
	return trends, nil
}

// Convert multiplies amount by the latest rate of source, or of the best
// source when source is empty.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, source string) (Conversion, error) {
	latest, err := s.deps.Rates.LatestPerSource(ctx)
	if err != nil {
		return Conversion{}, fmt.Errorf("latest per source: %w", err)
	}

	var (
		picked storage.RateSample
		found  bool
	)
	for _, sample := range latest {
		if source == "" {
			if !found || sample.Rate.GreaterThan(picked.Rate) {
				picked, found = sample, true
			}
			continue
		}
		if strings.EqualFold(sample.Source, source) {
			picked, found = sample, true
			break
		}
	}
	if !found {
		if source == "" {
			return Conversion{}, fmt.Errorf("%w: no samples recorded yet", ErrUnknownSource)
		}
		return Conversion{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	return Conversion{
		Source:    picked.Source,
		Rate:      picked.Rate,
		Amount:    amount,
		Converted: amount.Mul(picked.Rate),
		At:        picked.ObservedAt,
	}, nil
}

// SendTest pushes the test notification to one endpoint.
func (s *Service) SendTest(ctx context.Context, endpoint string, keys json.RawMessage) (alerting.Outcome, error) {
	if s.deps.Dispatcher == nil {
		return alerting.OutcomeTransient, fmt.Errorf("dispatcher not configured")
	}
	return s.deps.Dispatcher.SendTest(ctx, endpoint, keys)
}

// RecentAlerts lists the newest audit records.
func (s *Service) RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	if s.deps.Alerts == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.deps.Alerts.ListRecentAlerts(ctx, limit)
}

// Purge deletes samples and audit rows older than the retention window.
func (s *Service) Purge(ctx context.Context, now time.Time) (PurgeReport, error) {
	report := PurgeReport{Cutoff: now.UTC().Add(-time.Duration(s.opts.RetentionDays) * 24 * time.Hour)}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		report.Skipped = true
		s.logger.Debug().Msg("skip purge because advisory lock held elsewhere")
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	report.Samples, err = s.deps.Rates.PurgeSamplesBefore(ctx, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("purge samples: %w", err)
	}
	if s.deps.Alerts != nil {
		report.Alerts, err = s.deps.Alerts.DeleteAlertsBefore(ctx, report.Cutoff)
		if err != nil {
			return report, fmt.Errorf("purge alerts: %w", err)
		}
	}

	s.logger.Info().
		Time("cutoff", report.Cutoff).
		Int64("samples", report.Samples).
		Int64("alerts", report.Alerts).
		Msg("retention purge finished")
	return report, nil
}

// Health pings the store and reports the scheduler state.
func (s *Service) Health(ctx context.Context) (Health, error) {
	h := Health{Status: "healthy", Database: "connected", Scheduler: "stopped"}
	if s.deps.Scheduler != nil && s.deps.Scheduler.Running() {
		h.Scheduler = "running"
	}
	if s.deps.Pinger == nil {
		h.Database = "unknown"
		return h, nil
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.deps.Pinger.Ping(pctx); err != nil {
		h.Status, h.Database = "unhealthy", "disconnected"
		return h, fmt.Errorf("ping store: %w", err)
	}
	return h, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
