package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// RateStore is the append-only time series of rate samples.
type RateStore interface {
	AppendSample(ctx context.Context, sample RateSample) error
	LatestPerSource(ctx context.Context) ([]RateSample, error)
	Window(ctx context.Context, source string, since time.Time) ([]RateSample, error)
	MinMax(ctx context.Context, source string, since time.Time) (RateRange, bool, error)
	RangesSince(ctx context.Context, since time.Time) ([]RateRange, error)
	RecentPerSource(ctx context.Context, limit int) (map[string][]RateSample, error)
	PurgeSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SubscriptionStore is the durable registry of alert subscriptions.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	GetSubscription(ctx context.Context, endpoint string) (Subscription, bool, error)
	ListArmedThresholds(ctx context.Context) ([]Subscription, error)
	ListVolatilitySubscribers(ctx context.Context) ([]Subscription, error)
	// DisarmThreshold clears the threshold only if it still holds the evaluated
	// value and direction. It reports whether this caller won the transition.
	DisarmThreshold(ctx context.Context, endpoint string, threshold decimal.Decimal, kind ThresholdType) (bool, error)
	// RearmThreshold restores a threshold only if the row is still disarmed.
	RearmThreshold(ctx context.Context, endpoint string, threshold decimal.Decimal, kind ThresholdType) (bool, error)
	MarkGone(ctx context.Context, endpoint string, at time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
