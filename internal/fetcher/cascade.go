package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Quote is one successful (source, rate) pair of a cycle.
type Quote struct {
	Source string
	Rate   decimal.Decimal
}

// CycleResult is the ordered set of quotes a cycle collected.
type CycleResult struct {
	Quotes       []Quote
	UsedFallback bool
	Failures     []error
	// Err is ErrAllSourcesFailed when Quotes is empty.
	Err error
}

// Best returns the highest quote. Ties keep the earlier source.
func (r CycleResult) Best() (Quote, bool) {
	if len(r.Quotes) == 0 {
		return Quote{}, false
	}
	best := r.Quotes[0]
	for _, q := range r.Quotes[1:] {
		if q.Rate.GreaterThan(best.Rate) {
			best = q
		}
	}
	return best, true
}

// Observer receives the outcome of every fetch.
type Observer interface {
	ObserveFetch(source string, elapsed time.Duration, err error)
}

// CascadeOptions tune a Cascade.
type CascadeOptions struct {
	// Concurrency caps in-flight primary fetches; zero means all at once.
	Concurrency int
	Observer    Observer
}

// Cascade runs the primaries concurrently and the fallback only when none succeeded.
type Cascade struct {
	primary  []Source
	fallback Source
	opts     CascadeOptions
	logger   zerolog.Logger
}

// NewCascade builds a cascade. fallback may be nil.
func NewCascade(primary []Source, fallback Source, opts CascadeOptions, logger zerolog.Logger) *Cascade {
	return &Cascade{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		logger:   logger.With().Str("component", "cascade").Logger(),
	}
}

// Sources lists the primaries in configured order followed by the fallback.
func (c *Cascade) Sources() []Source {
	out := append([]Source(nil), c.primary...)
	if c.fallback != nil {
		out = append(out, c.fallback)
	}
	return out
}

// Collect performs one acquisition round. It never returns before every
// primary has either answered or exceeded its own timeout.
func (c *Cascade) Collect(ctx context.Context) CycleResult {
	quotes := make([]*Quote, len(c.primary))
	failures := make([]error, len(c.primary))

	// no WithContext: a failing source must not cancel its siblings
	var g errgroup.Group
	if c.opts.Concurrency > 0 {
		g.SetLimit(c.opts.Concurrency)
	}
	for i, src := range c.primary {
		g.Go(func() error {
			rate, err := c.fetch(ctx, src)
			if err != nil {
				failures[i] = err
				return nil
			}
			quotes[i] = &Quote{Source: src.Name(), Rate: rate}
			return nil
		})
	}
	_ = g.Wait()

	var result CycleResult
	for i := range c.primary {
		if quotes[i] != nil {
			result.Quotes = append(result.Quotes, *quotes[i])
		}
		if failures[i] != nil {
			result.Failures = append(result.Failures, failures[i])
		}
	}
	if len(result.Quotes) > 0 {
		return result
	}

	if c.fallback == nil {
		result.Err = ErrAllSourcesFailed
		return result
	}

	c.logger.Warn().Int("primaries", len(c.primary)).Str("fallback", c.fallback.Name()).Msg("all primary sources failed, trying fallback")
	rate, err := c.fetch(ctx, c.fallback)
	if err != nil {
		result.Failures = append(result.Failures, err)
		result.Err = ErrAllSourcesFailed
		return result
	}
	result.Quotes = []Quote{{Source: c.fallback.Name(), Rate: rate}}
	result.UsedFallback = true
	return result
}

type fetchResult struct {
	rate decimal.Decimal
	err  error
}

// fetch runs one source under its own deadline and stops waiting once the
// deadline passes, even if the source ignores its context.
func (c *Cascade) fetch(ctx context.Context, src Source) (decimal.Decimal, error) {
	timeout := src.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		rate, err := src.Fetch(fctx)
		done <- fetchResult{rate: rate, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-fctx.Done():
		res = fetchResult{err: fmt.Errorf("timed out after %s: %w", timeout, fctx.Err())}
	}
	if res.err == nil && !res.rate.IsPositive() {
		res.err = fmt.Errorf("non-positive rate %s", res.rate)
	}

	elapsed := time.Since(start)
	log := c.logger.With().Str("source", src.Name()).Dur("elapsed", elapsed).Logger()
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveFetch(src.Name(), elapsed, res.err)
	}
	if res.err != nil {
		err := &SourceError{Source: src.Name(), Err: res.err}
		log.Warn().Err(res.err).Msg("source returned no value")
		return decimal.Decimal{}, err
	}

	log.Debug().Str("rate", res.rate.String()).Msg("source fetched")
	return res.rate, nil
}
