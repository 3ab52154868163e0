package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is a cron job body.
type JobFunc func(ctx context.Context) error

type cronJob struct {
	name string
	spec string
	fn   JobFunc
}

// Cron runs daily-style jobs on standard five-field cron expressions in UTC.
type Cron struct {
	jobs   []cronJob
	logger zerolog.Logger
}

// NewCron builds an empty cron runner.
func NewCron(logger zerolog.Logger) *Cron {
	return &Cron{logger: logger.With().Str("component", "cron").Logger()}
}

// Add registers a job. The expression is validated immediately.
func (c *Cron) Add(name, spec string, fn JobFunc) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron schedule %q for %s: %w", spec, name, err)
	}
	c.jobs = append(c.jobs, cronJob{name: name, spec: spec, fn: fn})
	return nil
}

// Next returns the next activation of spec after t.
func Next(spec string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.UTC()), nil
}

// Run blocks until ctx is cancelled, then waits for running jobs.
func (c *Cron) Run(ctx context.Context) error {
	runner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{c.logger})))
	for _, job := range c.jobs {
		log := c.logger.With().Str("job", job.name).Logger()
		if _, err := runner.AddFunc(job.spec, func() {
			log.Info().Msg("cron job started")
			if err := job.fn(ctx); err != nil {
				log.Error().Err(err).Msg("cron job failed")
				return
			}
			log.Info().Msg("cron job finished")
		}); err != nil {
			return fmt.Errorf("register cron job %s: %w", job.name, err)
		}
	}

	runner.Start()
	<-ctx.Done()
	<-runner.Stop().Done()
	return ctx.Err()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
