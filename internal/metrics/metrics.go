package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Metrics holds every collector of the engine. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	FetchTotal       *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	SamplesPersisted prometheus.Counter
	PersistFailures  prometheus.Counter
	LatestRate       *prometheus.GaugeVec
	VolatilityPct    *prometheus.GaugeVec
	AlertsTotal      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FetchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewatcher_fetch_total",
				Help: "Source fetch attempts by outcome",
			},
			[]string{"source", "outcome"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratewatcher_fetch_duration_seconds",
				Help:    "Source fetch latency",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms .. 12.8s
			},
			[]string{"source"},
		),
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewatcher_cycles_total",
				Help: "Completed scrape cycles by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratewatcher_cycle_duration_seconds",
				Help:    "End to end scrape cycle latency",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
			},
		),
		SamplesPersisted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ratewatcher_samples_persisted_total",
				Help: "Rate samples written to the store",
			},
		),
		PersistFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ratewatcher_persist_failures_total",
				Help: "Rate sample appends that failed",
			},
		),
		LatestRate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratewatcher_rate",
				Help: "Most recent rate per source",
			},
			[]string{"source"},
		),
		VolatilityPct: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratewatcher_volatility_percent",
				Help: "Trailing window volatility per source",
			},
			[]string{"source"},
		),
		AlertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewatcher_alerts_total",
				Help: "Alert deliveries by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveFetch records one source fetch.
func (m *Metrics) ObserveFetch(source string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "no_value"
	}
	m.FetchTotal.WithLabelValues(source, outcome).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveCycle records one cycle.
func (m *Metrics) ObserveCycle(outcome string, elapsed time.Duration, persisted, failed int) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	m.SamplesPersisted.Add(float64(persisted))
	m.PersistFailures.Add(float64(failed))
}

// SetRate publishes the latest rate of a source.
func (m *Metrics) SetRate(source string, rate decimal.Decimal) {
	if m == nil {
		return
	}
	m.LatestRate.WithLabelValues(source).Set(rate.InexactFloat64())
}

// SetVolatility publishes the window volatility of a source.
func (m *Metrics) SetVolatility(source string, pct decimal.Decimal) {
	if m == nil {
		return
	}
	m.VolatilityPct.WithLabelValues(source).Set(pct.InexactFloat64())
}

// ObserveAlert records one delivery attempt.
func (m *Metrics) ObserveAlert(kind, outcome string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind, outcome).Inc()
}

// HealthFunc reports readiness for /healthz.
type HealthFunc func(ctx context.Context) error

// Handler serves the metrics path and /healthz.
func (m *Metrics) Handler(path string, health HealthFunc) http.Handler {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the listener until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
