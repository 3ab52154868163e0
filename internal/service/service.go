package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/metrics"
	"fx-rate-alerts/internal/scheduler"
	"fx-rate-alerts/internal/storage"
)

var (
	// ErrPersistenceUnavailable means every append of a cycle failed and the store is unreachable.
	ErrPersistenceUnavailable = errors.New("service: persistence unavailable")
	// ErrInvalidSubscription rejects subscriptions without an endpoint or with malformed keys.
	ErrInvalidSubscription = errors.New("service: invalid subscription")
	// ErrUnknownSource is returned by Convert for a source with no samples.
	ErrUnknownSource = errors.New("service: unknown source")
)

// Phase is the orchestration state of a cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhasePersisting Phase = "persisting"
	PhaseEvaluating Phase = "evaluating"
)

// Collector is the acquisition step of a cycle.
type Collector interface {
	Collect(ctx context.Context) fetcher.CycleResult
}

var _ Collector = (*fetcher.Cascade)(nil)

// Deps are the collaborators of the Service. Only Collector, Rates, and Subs are required.
type Deps struct {
	Collector  Collector
	Rates      storage.RateStore
	Subs       storage.SubscriptionStore
	Alerts     storage.AlertStore
	Evaluator  *alerting.Evaluator
	Dispatcher *alerting.Dispatcher
	Notifier   alerting.Notifier
	Metrics    *metrics.Metrics
	Scheduler  *scheduler.Scheduler
	Locker     storage.AdvisoryLocker
	Pinger     storage.Pinger
	Clock      func() time.Time
}

// Options tune the Service.
type Options struct {
	Pair          string
	AlertsEnabled bool
	RetentionDays int
	LockKey       int64
}

// Service orchestrates fetching, persistence, and alerting.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	wg sync.WaitGroup
}

// New constructs the engine.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.Notifier == nil {
		deps.Notifier = alerting.NopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the interval loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := s.runGuarded(ctx, at)
		return err
	})
}

// TriggerNow starts a cycle in the background and returns immediately.
// Cycles may overlap; Wait blocks until every triggered cycle has finished.
func (s *Service) TriggerNow() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.runGuarded(context.Background(), s.deps.Clock())
		if err != nil {
			s.logger.Error().Err(err).Str("cycle_id", report.ID).Msg("manual cycle failed")
			return
		}
		s.logger.Info().Str("cycle_id", report.ID).Int("quotes", len(report.Quotes)).Msg("manual cycle finished")
	}()
}

// Wait blocks until all manually triggered cycles complete.
func (s *Service) Wait() {
	s.wg.Wait()
}

// runGuarded turns a panicking cycle into an error.
func (s *Service) runGuarded(ctx context.Context, at time.Time) (report CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			report.Err = err
		}
	}()
	return s.RunCycle(ctx, at)
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.deps.Clock()
}
