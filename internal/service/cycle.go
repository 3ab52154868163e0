package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/storage"
)

// CycleReport summarises one scrape cycle.
type CycleReport struct {
	ID              string
	ObservedAt      time.Time
	Phase           Phase
	Quotes          []fetcher.Quote
	UsedFallback    bool
	Failures        []error
	Persisted       int
	PersistFailures int
	Best            *fetcher.Quote
	Spikes          []alerting.Spike
	ThresholdFired  int
	VolatilitySent  int
	Duration        time.Duration
	// Err records the first non-fatal problem of the cycle.
	Err error
}

// enter moves the report to phase p and returns base tagged with it.
func (r *CycleReport) enter(p Phase, base zerolog.Logger) zerolog.Logger {
	r.Phase = p
	return base.With().Str("phase", string(p)).Logger()
}

// RunCycle fetches every source, persists the quotes under one shared
// observation time, then evaluates and dispatches alerts. Only a store
// outage is returned as an error; everything else lands in the report.
func (s *Service) RunCycle(ctx context.Context, observedAt time.Time) (CycleReport, error) {
	started := time.Now()
	report := CycleReport{
		ID:         uuid.NewString(),
		ObservedAt: observedAt.UTC(),
	}
	base := s.logger.With().Str("cycle_id", report.ID).Time("observed_at", report.ObservedAt).Logger()
	log := report.enter(PhaseFetching, base)

	result := s.deps.Collector.Collect(ctx)
	report.Quotes = result.Quotes
	report.UsedFallback = result.UsedFallback
	report.Failures = result.Failures
	for _, ferr := range result.Failures {
		log.Warn().Err(ferr).Msg("source failed")
	}

	if len(result.Quotes) == 0 {
		report.Err = fetcher.ErrAllSourcesFailed
		report.Duration = time.Since(started)
		log.Error().Int("failures", len(result.Failures)).Msg("all sources failed, alerts skipped")
		s.notifyOperator(ctx, log, report, "all_sources_failed", "no source produced a rate")
		report.Phase = PhaseIdle
		s.deps.Metrics.ObserveCycle("no_data", report.Duration, 0, 0)
		return report, nil
	}

	log = report.enter(PhasePersisting, base)
	for _, q := range result.Quotes {
		sample := storage.RateSample{Source: q.Source, Rate: q.Rate, ObservedAt: report.ObservedAt}
		if err := s.deps.Rates.AppendSample(ctx, sample); err != nil {
			report.PersistFailures++
			if report.Err == nil {
				report.Err = fmt.Errorf("append %s: %w", q.Source, err)
			}
			log.Error().Err(err).Str("source", q.Source).Msg("failed to persist sample")
			continue
		}
		report.Persisted++
		s.deps.Metrics.SetRate(q.Source, q.Rate)
	}

	if report.Persisted == 0 {
		if err := s.storeDown(ctx); err != nil {
			report.Duration = time.Since(started)
			report.Err = fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
			log.Error().Err(err).Int("persist_failures", report.PersistFailures).Msg("store unreachable, cycle aborted")
			s.notifyOperator(ctx, log, report, "persistence_unavailable", err.Error())
			s.deps.Metrics.ObserveCycle("failed", report.Duration, 0, report.PersistFailures)
			return report, report.Err
		}
	}

	best, _ := result.Best()
	report.Best = &best
	log.Info().
		Int("quotes", len(result.Quotes)).
		Int("persisted", report.Persisted).
		Bool("fallback", result.UsedFallback).
		Str("best_source", best.Source).
		Str("best_rate", best.Rate.String()).
		Msg("samples recorded")

	if s.opts.AlertsEnabled && s.deps.Evaluator != nil && s.deps.Dispatcher != nil {
		log = report.enter(PhaseEvaluating, base)
		if err := s.evaluate(ctx, log, &report, best.Rate); err != nil && report.Err == nil {
			report.Err = err
		}
	}

	report.Phase = PhaseIdle
	report.Duration = time.Since(started)
	outcome := "ok"
	if report.PersistFailures > 0 || len(report.Failures) > 0 {
		outcome = "partial"
	}
	s.deps.Metrics.ObserveCycle(outcome, report.Duration, report.Persisted, report.PersistFailures)
	return report, nil
}

// evaluate checks volatility before thresholds. Dispatch failures never
// undo persisted samples.
func (s *Service) evaluate(ctx context.Context, log zerolog.Logger, report *CycleReport, best decimal.Decimal) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	spikes, err := s.deps.Evaluator.Spikes(ctx, report.ObservedAt)
	if err != nil {
		keep(err)
		log.Error().Err(err).Msg("volatility evaluation failed")
	}
	report.Spikes = spikes
	if len(spikes) > 0 {
		subscribers, err := s.deps.Subs.ListVolatilitySubscribers(ctx)
		if err != nil {
			keep(fmt.Errorf("list volatility subscribers: %w", err))
			log.Error().Err(err).Msg("list volatility subscribers failed")
		}
		for _, spike := range spikes {
			for _, res := range s.deps.Dispatcher.SendVolatility(ctx, report.ID, spike, subscribers) {
				if res.Outcome == alerting.OutcomeSent {
					report.VolatilitySent++
				}
			}
		}
	}

	triggered, err := s.deps.Evaluator.Triggered(ctx, best)
	if err != nil {
		keep(err)
		log.Error().Err(err).Msg("threshold evaluation failed")
		return firstErr
	}
	for _, sub := range triggered {
		res := s.deps.Dispatcher.FireThreshold(ctx, report.ID, sub, best)
		if res.Claimed && res.Outcome == alerting.OutcomeSent {
			report.ThresholdFired++
		}
		if res.Err != nil && !res.Claimed {
			keep(res.Err)
		}
	}
	return firstErr
}

// storeDown returns the ping error when the store is unreachable.
func (s *Service) storeDown(ctx context.Context) error {
	if s.deps.Pinger == nil {
		return errors.New("every sample append failed")
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.deps.Pinger.Ping(pctx)
}

func (s *Service) notifyOperator(ctx context.Context, log zerolog.Logger, report CycleReport, kind, detail string) {
	failures := make([]string, 0, len(report.Failures))
	for _, ferr := range report.Failures {
		failures = append(failures, ferr.Error())
	}
	notice := alerting.Notice{
		Kind:       kind,
		CycleID:    report.ID,
		ObservedAt: report.ObservedAt,
		Pair:       s.opts.Pair,
		Failures:   failures,
		Detail:     detail,
	}
	if err := s.deps.Notifier.Notify(ctx, notice); err != nil {
		log.Warn().Err(err).Msg("operator notice failed")
	}
}
