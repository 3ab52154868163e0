package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memorySample struct {
	seq int64
	RateSample
}

// MemoryStore keeps samples, subscriptions, and alerts in process memory.
// It is safe for concurrent use and is the fallback when no DSN is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	samples []memorySample
	subs    map[string]memorySubscription
	alerts  []AlertRecord
	alertID int64
	now     func() time.Time
}

type memorySubscription struct {
	seq int64
	// fired is set while a claimed threshold delivery is outstanding.
	fired bool
	Subscription
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]memorySubscription),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) nextSeq() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryStore) AppendSample(_ context.Context, sample RateSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample.ObservedAt = sample.ObservedAt.UTC()
	m.samples = append(m.samples, memorySample{seq: m.nextSeq(), RateSample: sample})
	return nil
}

func (m *MemoryStore) LatestPerSource(context.Context) ([]RateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]memorySample)
	for _, s := range m.samples {
		cur, ok := latest[s.Source]
		if !ok || newer(s, cur) {
			latest[s.Source] = s
		}
	}

	out := make([]RateSample, 0, len(latest))
	for _, s := range latest {
		out = append(out, s.RateSample)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Rate.Cmp(out[j].Rate); c != 0 {
			return c > 0
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

func newer(a, b memorySample) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.seq > b.seq
}

func (m *MemoryStore) Window(_ context.Context, source string, since time.Time) ([]RateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RateSample, 0)
	for _, s := range m.sortedSamples() {
		if !s.ObservedAt.After(since) {
			continue
		}
		if source != "" && s.Source != source {
			continue
		}
		out = append(out, s.RateSample)
	}
	return out, nil
}

// sortedSamples returns samples ascending by time then insertion. Caller holds the lock.
func (m *MemoryStore) sortedSamples() []memorySample {
	sorted := make([]memorySample, len(m.samples))
	copy(sorted, m.samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ObservedAt.Equal(sorted[j].ObservedAt) {
			return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
		}
		return sorted[i].seq < sorted[j].seq
	})
	return sorted
}

func (m *MemoryStore) MinMax(ctx context.Context, source string, since time.Time) (RateRange, bool, error) {
	window, err := m.Window(ctx, source, since)
	if err != nil {
		return RateRange{}, false, err
	}
	if len(window) == 0 {
		return RateRange{}, false, nil
	}
	return rangeOf(source, window), true, nil
}

func (m *MemoryStore) RangesSince(ctx context.Context, since time.Time) ([]RateRange, error) {
	window, err := m.Window(ctx, "", since)
	if err != nil {
		return nil, err
	}

	bySource := make(map[string][]RateSample)
	for _, s := range window {
		bySource[s.Source] = append(bySource[s.Source], s)
	}

	out := make([]RateRange, 0, len(bySource))
	for source, samples := range bySource {
		out = append(out, rangeOf(source, samples))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func rangeOf(source string, samples []RateSample) RateRange {
	rng := RateRange{Source: source, Min: samples[0].Rate, Max: samples[0].Rate, Count: len(samples)}
	for _, s := range samples[1:] {
		rng.Min = decimal.Min(rng.Min, s.Rate)
		rng.Max = decimal.Max(rng.Max, s.Rate)
	}
	return rng
}

func (m *MemoryStore) RecentPerSource(_ context.Context, limit int) (map[string][]RateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := m.sortedSamples()
	out := make(map[string][]RateSample)
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if len(out[s.Source]) >= limit {
			continue
		}
		out[s.Source] = append(out[s.Source], s.RateSample)
	}
	return out, nil
}

func (m *MemoryStore) PurgeSamplesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.samples[:0]
	var removed int64
	for _, s := range m.samples {
		if s.ObservedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return removed, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.ThresholdType = ParseThresholdType(string(sub.ThresholdType))
	sub.GoneAt = nil
	sub.Threshold = cloneDecimal(sub.Threshold)

	existing, ok := m.subs[sub.Endpoint]
	if ok {
		sub.CreatedAt = existing.CreatedAt
		m.subs[sub.Endpoint] = memorySubscription{seq: existing.seq, Subscription: sub}
		return nil
	}
	sub.CreatedAt = m.now()
	m.subs[sub.Endpoint] = memorySubscription{seq: m.nextSeq(), Subscription: sub}
	return nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs, endpoint)
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, endpoint string) (Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[endpoint]
	if !ok {
		return Subscription{}, false, nil
	}
	return sub.copy(), true, nil
}

func (m *MemoryStore) ListArmedThresholds(context.Context) ([]Subscription, error) {
	return m.listSubscriptions(func(s Subscription) bool { return s.Armed() }), nil
}

func (m *MemoryStore) ListVolatilitySubscribers(context.Context) ([]Subscription, error) {
	return m.listSubscriptions(func(s Subscription) bool { return s.VolatilityAlert && s.GoneAt == nil }), nil
}

func (m *MemoryStore) listSubscriptions(keep func(Subscription) bool) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]memorySubscription, 0)
	for _, s := range m.subs {
		if keep(s.Subscription) {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]Subscription, 0, len(matched))
	for _, s := range matched {
		out = append(out, s.copy())
	}
	return out
}

func (m *MemoryStore) DisarmThreshold(_ context.Context, endpoint string, threshold decimal.Decimal, kind ThresholdType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[endpoint]
	if !ok || !sub.Armed() || !sub.Threshold.Equal(threshold) || sub.ThresholdType != kind {
		return false, nil
	}
	sub.Threshold = nil
	sub.fired = true
	m.subs[endpoint] = sub
	return true, nil
}

func (m *MemoryStore) RearmThreshold(_ context.Context, endpoint string, threshold decimal.Decimal, kind ThresholdType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[endpoint]
	if !ok || !sub.fired || sub.Threshold != nil || sub.GoneAt != nil {
		return false, nil
	}
	sub.Threshold = &threshold
	sub.ThresholdType = kind
	sub.fired = false
	m.subs[endpoint] = sub
	return true, nil
}

func (m *MemoryStore) MarkGone(_ context.Context, endpoint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[endpoint]
	if !ok {
		return nil
	}
	at = at.UTC()
	sub.GoneAt = &at
	m.subs[endpoint] = sub
	return nil
}

func (m *MemoryStore) InsertAlert(_ context.Context, alert AlertRecord) (AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alertID++
	alert.ID = m.alertID
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AlertRecord, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

func (m *MemoryStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	var removed int64
	for _, a := range m.alerts {
		if a.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
	return removed, nil
}

func (s memorySubscription) copy() Subscription {
	out := s.Subscription
	out.Threshold = cloneDecimal(s.Threshold)
	if s.GoneAt != nil {
		at := *s.GoneAt
		out.GoneAt = &at
	}
	if s.Keys != nil {
		out.Keys = append([]byte(nil), s.Keys...)
	}
	return out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

var (
	_ RateStore         = (*MemoryStore)(nil)
	_ SubscriptionStore = (*MemoryStore)(nil)
	_ AlertStore        = (*MemoryStore)(nil)
	_ Pinger            = (*MemoryStore)(nil)
)
