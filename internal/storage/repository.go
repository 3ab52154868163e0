package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	insertSampleSQL = `INSERT INTO rates (observed_at, source_name, rate)
    VALUES ($1, $2, $3::numeric);`

	latestPerSourceSQL = `SELECT source_name, rate::text, observed_at
    FROM (
        SELECT DISTINCT ON (source_name) source_name, rate, observed_at
        FROM rates
        ORDER BY source_name, observed_at DESC, id DESC
    ) latest
    ORDER BY rate DESC, source_name;`

	windowSQL = `SELECT source_name, rate::text, observed_at
    FROM rates
    WHERE observed_at > $1
      AND ($2::text = '' OR source_name = $2::text)
    ORDER BY observed_at ASC, id ASC;`

	minMaxSQL = `SELECT COUNT(*), MIN(rate)::text, MAX(rate)::text
    FROM rates
    WHERE source_name = $1
      AND observed_at > $2;`

	rangesSinceSQL = `SELECT source_name, COUNT(*), MIN(rate)::text, MAX(rate)::text
    FROM rates
    WHERE observed_at > $1
    GROUP BY source_name
    ORDER BY source_name;`

	recentPerSourceSQL = `SELECT source_name, rate::text, observed_at
    FROM (
        SELECT source_name, rate, observed_at,
               ROW_NUMBER() OVER (PARTITION BY source_name ORDER BY observed_at DESC, id DESC) AS rn
        FROM rates
    ) ranked
    WHERE rn <= $1
    ORDER BY source_name, observed_at DESC;`

	purgeSamplesSQL = `DELETE FROM rates WHERE observed_at < $1;`

	upsertSubscriptionSQL = `INSERT INTO subscriptions (
        endpoint,
        keys_json,
        threshold,
        threshold_type,
        volatility_alert
    ) VALUES (
        $1, $2, $3::numeric, $4, $5
    )
    ON CONFLICT (endpoint) DO UPDATE
    SET
        keys_json          = EXCLUDED.keys_json,
        threshold          = EXCLUDED.threshold,
        threshold_type     = EXCLUDED.threshold_type,
        volatility_alert   = EXCLUDED.volatility_alert,
        threshold_fired_at = NULL,
        gone_at            = NULL,
        updated_at         = now();`

	deleteSubscriptionSQL = `DELETE FROM subscriptions WHERE endpoint = $1;`

	subscriptionColumns = `endpoint, keys_json, threshold::text, threshold_type, volatility_alert, gone_at, created_at`

	getSubscriptionSQL = `SELECT ` + subscriptionColumns + `
    FROM subscriptions
    WHERE endpoint = $1;`

	listArmedSQL = `SELECT ` + subscriptionColumns + `
    FROM subscriptions
    WHERE threshold IS NOT NULL
      AND gone_at IS NULL
    ORDER BY id;`

	listVolatilitySQL = `SELECT ` + subscriptionColumns + `
    FROM subscriptions
    WHERE volatility_alert
      AND gone_at IS NULL
    ORDER BY id;`

	disarmThresholdSQL = `UPDATE subscriptions
    SET threshold = NULL, threshold_fired_at = now(), updated_at = now()
    WHERE endpoint = $1
      AND threshold = $2::numeric
      AND threshold_type = $3
      AND gone_at IS NULL;`

	rearmThresholdSQL = `UPDATE subscriptions
    SET threshold = $2::numeric, threshold_type = $3, threshold_fired_at = NULL, updated_at = now()
    WHERE endpoint = $1
      AND threshold IS NULL
      AND threshold_fired_at IS NOT NULL
      AND gone_at IS NULL;`

	markGoneSQL = `UPDATE subscriptions SET gone_at = $2, updated_at = now() WHERE endpoint = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        kind,
        fingerprint,
        source_name,
        rate,
        threshold,
        volatility_pct,
        outcome
    ) VALUES (
        $1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        fingerprint,
        source_name,
        COALESCE(rate::text, '0'),
        threshold::text,
        volatility_pct::text,
        outcome,
        created_at
    FROM alerts
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists samples, subscriptions, and alert records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// AppendSample inserts one sample.
func (s *Store) AppendSample(ctx context.Context, sample RateSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertSampleSQL, sample.ObservedAt.UTC(), sample.Source, sample.Rate.String()); err != nil {
		return fmt.Errorf("insert rate sample: %w", err)
	}
	return nil
}

// LatestPerSource lists the most recent sample of every source, highest rate first.
func (s *Store) LatestPerSource(ctx context.Context) ([]RateSample, error) {
	return s.querySamples(ctx, "latest per source", latestPerSourceSQL)
}

// Window lists samples observed after since, ascending. An empty source selects all.
func (s *Store) Window(ctx context.Context, source string, since time.Time) ([]RateSample, error) {
	return s.querySamples(ctx, "window", windowSQL, since.UTC(), source)
}

// RecentPerSource lists up to limit most recent samples for every source.
func (s *Store) RecentPerSource(ctx context.Context, limit int) (map[string][]RateSample, error) {
	samples, err := s.querySamples(ctx, "recent per source", recentPerSourceSQL, limit)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]RateSample)
	for _, sample := range samples {
		grouped[sample.Source] = append(grouped[sample.Source], sample)
	}
	return grouped, nil
}

// MinMax returns the rate range of one source since a cutoff.
func (s *Store) MinMax(ctx context.Context, source string, since time.Time) (RateRange, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateRange{}, false, err
	}

	var (
		count      int
		minS, maxS *string
	)
	if err := pool.QueryRow(ctx, minMaxSQL, source, since.UTC()).Scan(&count, &minS, &maxS); err != nil {
		return RateRange{}, false, fmt.Errorf("min max: %w", err)
	}
	if count == 0 || minS == nil || maxS == nil {
		return RateRange{}, false, nil
	}

	rng, err := parseRange(source, count, *minS, *maxS)
	if err != nil {
		return RateRange{}, false, err
	}
	return rng, true, nil
}

// RangesSince returns per-source min/max for every source with samples since the cutoff.
func (s *Store) RangesSince(ctx context.Context, since time.Time) ([]RateRange, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, rangesSinceSQL, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("ranges since: %w", err)
	}
	defer rows.Close()

	ranges := make([]RateRange, 0)
	for rows.Next() {
		var (
			source     string
			count      int
			minS, maxS string
		)
		if err := rows.Scan(&source, &count, &minS, &maxS); err != nil {
			return nil, err
		}
		rng, err := parseRange(source, count, minS, maxS)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, rng)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ranges, nil
}

// PurgeSamplesBefore deletes samples older than the cutoff.
func (s *Store) PurgeSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgeSamplesSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) querySamples(ctx context.Context, op, query string, args ...any) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	samples := make([]RateSample, 0)
	for rows.Next() {
		var (
			source   string
			rateStr  string
			observed time.Time
		)
		if err := rows.Scan(&source, &rateStr, &observed); err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(rateStr)
		if err != nil {
			return nil, fmt.Errorf("parse rate: %w", err)
		}
		samples = append(samples, RateSample{
			Source:     source,
			Rate:       rate,
			ObservedAt: normalizeTimestamp(observed, fields[2]),
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func parseRange(source string, count int, minS, maxS string) (RateRange, error) {
	minRate, err := decimal.NewFromString(minS)
	if err != nil {
		return RateRange{}, fmt.Errorf("parse min rate: %w", err)
	}
	maxRate, err := decimal.NewFromString(maxS)
	if err != nil {
		return RateRange{}, fmt.Errorf("parse max rate: %w", err)
	}
	return RateRange{Source: source, Min: minRate, Max: maxRate, Count: count}, nil
}

// UpsertSubscription inserts or overwrites the subscription for its endpoint.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var threshold any
	if sub.Threshold != nil {
		threshold = sub.Threshold.String()
	}

	_, err = pool.Exec(ctx, upsertSubscriptionSQL,
		sub.Endpoint,
		string(sub.Keys),
		threshold,
		string(ParseThresholdType(string(sub.ThresholdType))),
		sub.VolatilityAlert,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes an endpoint. Unknown endpoints are not an error.
func (s *Store) DeleteSubscription(ctx context.Context, endpoint string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteSubscriptionSQL, endpoint); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// GetSubscription loads one endpoint.
func (s *Store) GetSubscription(ctx context.Context, endpoint string) (Subscription, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscription{}, false, err
	}

	rows, err := pool.Query(ctx, getSubscriptionSQL, endpoint)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("get subscription: %w", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return Subscription{}, false, err
	}
	if len(subs) == 0 {
		return Subscription{}, false, nil
	}
	return subs[0], true, nil
}

// ListArmedThresholds lists subscriptions whose threshold can still fire.
func (s *Store) ListArmedThresholds(ctx context.Context) ([]Subscription, error) {
	return s.listSubscriptions(ctx, "list armed thresholds", listArmedSQL)
}

// ListVolatilitySubscribers lists subscriptions opted into volatility alerts.
func (s *Store) ListVolatilitySubscribers(ctx context.Context) ([]Subscription, error) {
	return s.listSubscriptions(ctx, "list volatility subscribers", listVolatilitySQL)
}

func (s *Store) listSubscriptions(ctx context.Context, op, query string) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return collectSubscriptions(rows)
}

// DisarmThreshold performs the armed -> fired transition as one conditional update.
func (s *Store) DisarmThreshold(ctx context.Context, endpoint string, threshold decimal.Decimal, kind ThresholdType) (bool, error) {
	return s.conditionalUpdate(ctx, "disarm threshold", disarmThresholdSQL, endpoint, threshold.String(), string(kind))
}

// RearmThreshold restores a threshold on a still-disarmed row.
func (s *Store) RearmThreshold(ctx context.Context, endpoint string, threshold decimal.Decimal, kind ThresholdType) (bool, error) {
	return s.conditionalUpdate(ctx, "rearm threshold", rearmThresholdSQL, endpoint, threshold.String(), string(kind))
}

func (s *Store) conditionalUpdate(ctx context.Context, op, query string, args ...any) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkGone flags an endpoint the push service reported as permanently invalid.
func (s *Store) MarkGone(ctx context.Context, endpoint string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, markGoneSQL, endpoint, at.UTC()); err != nil {
		return fmt.Errorf("mark subscription gone: %w", err)
	}
	return nil
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	subs := make([]Subscription, 0)
	for rows.Next() {
		var (
			sub          Subscription
			keys         string
			thresholdStr *string
			kind         string
			goneAt       *time.Time
			createdAt    time.Time
		)
		if err := rows.Scan(&sub.Endpoint, &keys, &thresholdStr, &kind, &sub.VolatilityAlert, &goneAt, &createdAt); err != nil {
			return nil, err
		}
		sub.Keys = []byte(keys)
		sub.ThresholdType = ParseThresholdType(kind)
		if thresholdStr != nil {
			threshold, err := decimal.NewFromString(*thresholdStr)
			if err != nil {
				return nil, fmt.Errorf("parse threshold: %w", err)
			}
			sub.Threshold = &threshold
		}
		if goneAt != nil {
			at := normalizeTimestamp(*goneAt, fields[5])
			sub.GoneAt = &at
		}
		sub.CreatedAt = normalizeTimestamp(createdAt, fields[6])
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// InsertAlert persists an alert delivery attempt.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		string(alert.Kind),
		alert.Fingerprint,
		alert.Source,
		alert.Rate.String(),
		nullDecimalArg(alert.Threshold),
		nullDecimalArg(alert.VolatilityPct),
		alert.Outcome,
	)

	rec := alert
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                  AlertRecord
			kind, rateStr        string
			thresholdStr, volStr *string
		)
		if err := rows.Scan(
			&rec.ID,
			&kind,
			&rec.Fingerprint,
			&rec.Source,
			&rateStr,
			&thresholdStr,
			&volStr,
			&rec.Outcome,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Kind = AlertKind(kind)
		rec.CreatedAt = rec.CreatedAt.UTC()

		if rec.Rate, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse alert rate: %w", err)
		}
		if rec.Threshold, err = parseNullDecimal(thresholdStr); err != nil {
			return nil, fmt.Errorf("parse alert threshold: %w", err)
		}
		if rec.VolatilityPct, err = parseNullDecimal(volStr); err != nil {
			return nil, fmt.Errorf("parse alert volatility: %w", err)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(v *string) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ RateStore         = (*Store)(nil)
	_ SubscriptionStore = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
	_ Pinger            = (*Store)(nil)
)
