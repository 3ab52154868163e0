package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/config"
	"fx-rate-alerts/internal/events"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/metrics"
	"fx-rate-alerts/internal/scheduler"
	"fx-rate-alerts/internal/service"
	"fx-rate-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// backend bundles the stores a command runs against.
type backend struct {
	rates      storage.RateStore
	subs       storage.SubscriptionStore
	alerts     storage.AlertStore
	locker     storage.AdvisoryLocker
	pinger     storage.Pinger
	persistent bool
	close      func()
}

func (a *App) openBackend(ctx context.Context) (*backend, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		mem := storage.NewMemoryStore()
		return &backend{rates: mem, subs: mem, alerts: mem, pinger: mem, close: func() {}}, nil
	}

	if a.Config.Database.AutoMigrate {
		version, err := storage.Migrate(a.Config.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.Logger.Info().Uint("schema_version", version).Msg("schema migrated")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)
	return &backend{
		rates:      store,
		subs:       store,
		alerts:     store,
		locker:     store,
		pinger:     store,
		persistent: true,
		close:      store.Close,
	}, nil
}

func (a *App) sourceSpec(src config.SourceConfig) fetcher.Spec {
	return fetcher.Spec{
		Name:      src.Name,
		Kind:      src.Kind,
		BaseURL:   src.BaseURL,
		Timeout:   a.Config.SourceTimeout(src),
		UserAgent: a.Config.Sources.UserAgent,
		Base:      a.Config.Pair.Base,
		Quote:     a.Config.Pair.Quote,
		MinRate:   decimal.NewFromFloat(src.MinRate),
		MaxRate:   decimal.NewFromFloat(src.MaxRate),
		RPCURL:    src.RPCURL,
		BaseFeed:  src.BaseFeed,
		QuoteFeed: src.QuoteFeed,
		Value:     decimal.NewFromFloat(src.Value),
	}
}

func (a *App) newCascade(m *metrics.Metrics) (*fetcher.Cascade, error) {
	registry := fetcher.DefaultRegistry()

	primary := make([]fetcher.Source, 0, len(a.Config.Sources.Primary))
	for _, src := range a.Config.Sources.Primary {
		if src.Disabled {
			a.Logger.Debug().Str("source", src.Name).Msg("source disabled")
			continue
		}
		built, err := registry.Build(a.sourceSpec(src), a.Logger)
		if err != nil {
			return nil, err
		}
		primary = append(primary, built)
	}

	var fallback fetcher.Source
	if fb := a.Config.Sources.Fallback; fb.Kind != "" && !fb.Disabled {
		built, err := registry.Build(a.sourceSpec(fb), a.Logger)
		if err != nil {
			return nil, err
		}
		fallback = built
	}

	return fetcher.NewCascade(primary, fallback, fetcher.CascadeOptions{
		Concurrency: a.Config.Sources.Concurrency,
		Observer:    m,
	}, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NopNotifier{}
}

func (a *App) newDeliverer() alerting.Deliverer {
	cfg := a.Config.Alerting.WebPush
	if cfg.VAPIDPrivateKey == "" {
		a.Logger.Warn().Msg("alerting.webpush.vapid_private_key not configured; push deliveries will fail")
	}
	return alerting.NewWebPush(alerting.WebPushOptions{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.Subscriber,
		TTL:             cfg.TTL,
		Urgency:         cfg.Urgency,
		Timeout:         cfg.Timeout,
	}, a.Logger)
}

// engine is a fully wired service plus the resources it owns.
type engine struct {
	svc       *service.Service
	backend   *backend
	metrics   *metrics.Metrics
	publisher events.Publisher
	scheduler *scheduler.Scheduler
}

func (e *engine) Close() {
	e.svc.Wait()
	_ = e.publisher.Close()
	e.backend.close()
}

type engineOptions struct {
	collector service.Collector
	rates     storage.RateStore
	scheduler *scheduler.Scheduler
}

func (a *App) newEngine(ctx context.Context, opts engineOptions) (*engine, error) {
	b, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	collector := opts.collector
	if collector == nil {
		cascade, err := a.newCascade(m)
		if err != nil {
			b.close()
			return nil, err
		}
		collector = cascade
	}
	rates := b.rates
	if opts.rates != nil {
		rates = opts.rates
	}

	publisher := events.New(a.Config.Events, a.Logger)
	evaluator := alerting.NewEvaluator(rates, b.subs, alerting.EvaluatorOptions{
		VolatilityThreshold: decimal.NewFromFloat(a.Config.Alerting.VolatilityThreshold),
		VolatilityPeriod:    a.Config.Alerting.VolatilityPeriod,
		OnVolatility:        m.SetVolatility,
	}, a.Logger)
	dispatcher := alerting.NewDispatcher(b.subs, b.alerts, a.newDeliverer(), publisher, m, alerting.DispatcherOptions{
		Icon:      a.Config.Alerting.Icon,
		PruneGone: a.Config.Alerting.PruneGone,
	}, a.Logger)

	svc := service.New(service.Deps{
		Collector:  collector,
		Rates:      rates,
		Subs:       b.subs,
		Alerts:     b.alerts,
		Evaluator:  evaluator,
		Dispatcher: dispatcher,
		Notifier:   a.newNotifier(),
		Metrics:    m,
		Scheduler:  opts.scheduler,
		Locker:     b.locker,
		Pinger:     b.pinger,
	}, service.Options{
		Pair:          a.Config.Pair.String(),
		AlertsEnabled: a.Config.Alerting.Enabled,
		RetentionDays: a.Config.Retention.Days,
		LockKey:       a.Config.Retention.AdvisoryLockKey,
	}, a.Logger)

	return &engine{svc: svc, backend: b, metrics: m, publisher: publisher, scheduler: opts.scheduler}, nil
}

// Run executes the long-running scrape and alert service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	eng, err := a.newEngine(ctx, engineOptions{scheduler: sched})
	if err != nil {
		return err
	}
	defer eng.Close()

	crons := scheduler.NewCron(a.Logger)
	if err := crons.Add("retention", a.Config.Retention.Schedule, func(ctx context.Context) error {
		_, err := eng.svc.Purge(ctx, time.Now().UTC())
		return err
	}); err != nil {
		return err
	}
	if next, err := scheduler.Next(a.Config.Retention.Schedule, time.Now()); err == nil {
		a.Logger.Info().Time("next_purge", next).Int("retention_days", a.Config.Retention.Days).Msg("retention scheduled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.svc.Run(gctx) })
	g.Go(func() error { return crons.Run(gctx) })
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		handler := eng.metrics.Handler(a.Config.Metrics.Path, func(ctx context.Context) error {
			_, err := eng.svc.Health(ctx)
			return err
		})
		g.Go(func() error { return metrics.Serve(gctx, addr, handler, a.Logger) })
	}

	a.Logger.Info().
		Str("pair", a.Config.Pair.String()).
		Dur("interval", a.Config.Scheduler.Interval).
		Bool("persistent", eng.backend.persistent).
		Msg("starting rate watcher")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate watcher stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	version, err := storage.Migrate(a.Config.Database.DSN)
	if err != nil {
		return err
	}
	a.Logger.Info().Uint("schema_version", version).Msg("schema up to date")
	return nil
}

// Purge runs the retention job once.
func (a *App) Purge(ctx context.Context) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.svc.Purge(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Println("purge skipped: another instance holds the retention lock")
		return nil
	}
	fmt.Printf("purged %d samples and %d alerts older than %s\n", report.Samples, report.Alerts, report.Cutoff.Format(time.RFC3339))
	return nil
}
