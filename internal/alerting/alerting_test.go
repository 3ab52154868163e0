package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/events"
	"fx-rate-alerts/internal/storage"
)

type delivery struct {
	endpoint string
	payload  Message
}

type fakeDeliverer struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	calls    []delivery
}

func (f *fakeDeliverer) Deliver(_ context.Context, endpoint string, _ json.RawMessage, payload []byte) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var msg Message
	_ = json.Unmarshal(payload, &msg)
	f.calls = append(f.calls, delivery{endpoint: endpoint, payload: msg})

	outcome, ok := f.outcomes[endpoint]
	if !ok {
		return OutcomeSent, nil
	}
	if outcome == OutcomeSent {
		return outcome, nil
	}
	return outcome, errors.New("push service unhappy")
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.AlertEvent
}

func (c *capturePublisher) Publish(_ context.Context, evs ...events.AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evs...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ptr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func subscribe(t *testing.T, store *storage.MemoryStore, sub storage.Subscription) storage.Subscription {
	t.Helper()
	if sub.Keys == nil {
		sub.Keys = json.RawMessage(`{"p256dh":"k","auth":"a"}`)
	}
	if err := store.UpsertSubscription(context.Background(), sub); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	got, _, _ := store.GetSubscription(context.Background(), sub.Endpoint)
	return got
}

func TestThresholdTriggered(t *testing.T) {
	cases := []struct {
		name      string
		threshold *decimal.Decimal
		kind      storage.ThresholdType
		best      string
		want      bool
	}{
		{"above fires", ptr("3.10"), storage.ThresholdAbove, "3.15", true},
		{"above boundary", ptr("3.10"), storage.ThresholdAbove, "3.10", true},
		{"above quiet", ptr("3.10"), storage.ThresholdAbove, "3.05", false},
		{"below quiet", ptr("3.00"), storage.ThresholdBelow, "3.10", false},
		{"below fires", ptr("3.00"), storage.ThresholdBelow, "2.95", true},
		{"inert", nil, storage.ThresholdBelow, "0.01", false},
	}
	for _, tc := range cases {
		sub := storage.Subscription{Threshold: tc.threshold, ThresholdType: tc.kind}
		if got := ThresholdTriggered(sub, dec(tc.best)); got != tc.want {
			t.Fatalf("%s: 期望 %v, 实际 %v", tc.name, tc.want, got)
		}
	}
}

func TestVolatility(t *testing.T) {
	pct, ok := Volatility(storage.RateRange{Source: "X", Min: dec("3.00"), Max: dec("3.10")})
	if !ok {
		t.Fatal("正常区间应可计算波动率")
	}
	if pct.StringFixed(2) != "3.33" {
		t.Fatalf("期望 3.33%%, 实际 %s", pct.StringFixed(4))
	}

	if _, ok := Volatility(storage.RateRange{Min: decimal.Zero, Max: dec("3")}); ok {
		t.Fatal("min=0 应跳过")
	}
	if _, ok := Volatility(storage.RateRange{Min: dec("-1"), Max: dec("3")}); ok {
		t.Fatal("min<0 应跳过")
	}
}

func TestEvaluatorSpikes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

	add := func(source, rate string, at time.Time) {
		if err := store.AppendSample(ctx, storage.RateSample{Source: source, Rate: dec(rate), ObservedAt: at}); err != nil {
			t.Fatalf("写入样本失败: %v", err)
		}
	}
	add("X", "3.00", now.Add(-20*time.Minute))
	add("X", "3.10", now.Add(-10*time.Minute))
	add("calm", "3.40", now.Add(-20*time.Minute))
	add("calm", "3.41", now.Add(-10*time.Minute))
	add("broken", "0", now.Add(-20*time.Minute))
	add("broken", "3.50", now.Add(-10*time.Minute))
	// 窗口外的样本不参与计算
	add("calm", "1.00", now.Add(-2*time.Hour))

	seen := map[string]string{}
	ev := NewEvaluator(store, store, EvaluatorOptions{
		VolatilityThreshold: dec("2.0"),
		VolatilityPeriod:    time.Hour,
		OnVolatility:        func(source string, pct decimal.Decimal) { seen[source] = pct.StringFixed(2) },
	}, testLogger())

	spikes, err := ev.Spikes(ctx, now)
	if err != nil {
		t.Fatalf("计算波动失败: %v", err)
	}
	if len(spikes) != 1 || spikes[0].Source != "X" {
		t.Fatalf("只有 X 应触发: %+v", spikes)
	}
	if spikes[0].Pct.StringFixed(2) != "3.33" || !spikes[0].Min.Equal(dec("3.00")) || !spikes[0].Max.Equal(dec("3.10")) {
		t.Fatalf("波动详情不正确: %+v", spikes[0])
	}
	if _, ok := seen["broken"]; ok {
		t.Fatal("min<=0 的来源不应计算")
	}
	if seen["calm"] != "0.29" {
		t.Fatalf("calm 波动率应为 0.29, 实际 %s", seen["calm"])
	}
}

func TestFireThresholdOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	deliverer := &fakeDeliverer{}
	pub := &capturePublisher{}
	d := NewDispatcher(store, store, deliverer, pub, nil, DispatcherOptions{}, testLogger())
	ev := NewEvaluator(store, store, EvaluatorOptions{VolatilityThreshold: dec("2")}, testLogger())

	subscribe(t, store, storage.Subscription{Endpoint: "https://push/a", Threshold: ptr("3.10"), ThresholdType: storage.ThresholdAbove})

	triggered, err := ev.Triggered(ctx, dec("3.15"))
	if err != nil || len(triggered) != 1 {
		t.Fatalf("3.15 应触发阈值: %v %+v", err, triggered)
	}
	res := d.FireThreshold(ctx, "c1", triggered[0], dec("3.15"))
	if !res.Claimed || res.Outcome != OutcomeSent {
		t.Fatalf("应成功发送: %+v", res)
	}

	sub, _, _ := store.GetSubscription(ctx, "https://push/a")
	if sub.Threshold != nil {
		t.Fatal("发送后阈值应被清除")
	}
	if body := deliverer.calls[0].payload.Body; body != "Exchange rate is now 3.1500 (Threshold: 3.1000)" {
		t.Fatalf("消息内容不正确: %s", body)
	}

	triggered, _ = ev.Triggered(ctx, dec("3.20"))
	if len(triggered) != 0 {
		t.Fatal("解除后不应再次触发")
	}
	// 即便调用方持有旧快照也不会重复发送
	res = d.FireThreshold(ctx, "c2", storage.Subscription{Endpoint: "https://push/a", Threshold: ptr("3.10"), ThresholdType: storage.ThresholdAbove}, dec("3.20"))
	if res.Claimed || deliverer.count() != 1 {
		t.Fatalf("旧快照不应再次发送: %+v calls=%d", res, deliverer.count())
	}

	alerts, _ := store.ListRecentAlerts(ctx, 10)
	if len(alerts) != 1 || alerts[0].Kind != storage.AlertThreshold || alerts[0].Fingerprint == "https://push/a" {
		t.Fatalf("审计记录不正确: %+v", alerts)
	}
	if len(pub.events) != 1 || pub.events[0].Threshold != "3.1" || pub.events[0].CycleID != "c1" {
		t.Fatalf("事件不正确: %+v", pub.events)
	}
}

func TestFireThresholdConcurrentCycles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	deliverer := &fakeDeliverer{}
	d := NewDispatcher(store, nil, deliverer, nil, nil, DispatcherOptions{}, testLogger())
	sub := subscribe(t, store, storage.Subscription{Endpoint: "https://push/race", Threshold: ptr("3.10")})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.FireThreshold(ctx, "c", sub, dec("3.50"))
		}()
	}
	wg.Wait()

	if deliverer.count() != 1 {
		t.Fatalf("并发周期只能发送一次, 实际 %d", deliverer.count())
	}
}

func TestFireThresholdTransientRearms(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	deliverer := &fakeDeliverer{outcomes: map[string]Outcome{"https://push/flaky": OutcomeTransient}}
	d := NewDispatcher(store, store, deliverer, nil, nil, DispatcherOptions{}, testLogger())
	sub := subscribe(t, store, storage.Subscription{Endpoint: "https://push/flaky", Threshold: ptr("3.00"), ThresholdType: storage.ThresholdBelow})

	res := d.FireThreshold(ctx, "c", sub, dec("2.95"))
	if res.Outcome != OutcomeTransient || res.Err == nil {
		t.Fatalf("应为临时失败: %+v", res)
	}
	got, _, _ := store.GetSubscription(ctx, sub.Endpoint)
	if got.Threshold == nil || !got.Threshold.Equal(dec("3.00")) || got.ThresholdType != storage.ThresholdBelow {
		t.Fatalf("临时失败后应重新布防: %+v", got)
	}
}

// resubscribingDeliverer replaces the subscription while the push is in flight.
type resubscribingDeliverer struct {
	store *storage.MemoryStore
	sub   storage.Subscription
}

func (r *resubscribingDeliverer) Deliver(ctx context.Context, _ string, _ json.RawMessage, _ []byte) (Outcome, error) {
	if err := r.store.UpsertSubscription(ctx, r.sub); err != nil {
		return OutcomeTransient, err
	}
	return OutcomeTransient, errors.New("push service unhappy")
}

func TestFireThresholdTransientKeepsNewerSubscription(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	endpoint := "https://push/resub"
	deliverer := &resubscribingDeliverer{store: store, sub: storage.Subscription{
		Endpoint:        endpoint,
		Keys:            json.RawMessage(`{"p256dh":"k","auth":"a"}`),
		VolatilityAlert: true,
	}}
	d := NewDispatcher(store, store, deliverer, nil, nil, DispatcherOptions{}, testLogger())
	sub := subscribe(t, store, storage.Subscription{Endpoint: endpoint, Threshold: ptr("3.10"), ThresholdType: storage.ThresholdAbove})

	res := d.FireThreshold(ctx, "c", sub, dec("3.15"))
	if res.Outcome != OutcomeTransient {
		t.Fatalf("应为临时失败: %+v", res)
	}
	got, _, _ := store.GetSubscription(ctx, endpoint)
	if got.Threshold != nil || !got.VolatilityAlert {
		t.Fatalf("重新布防不应覆盖期间的新订阅: %+v", got)
	}
}

func TestFireThresholdGone(t *testing.T) {
	ctx := context.Background()

	t.Run("flag", func(t *testing.T) {
		store := storage.NewMemoryStore()
		deliverer := &fakeDeliverer{outcomes: map[string]Outcome{"https://push/dead": OutcomeGone}}
		d := NewDispatcher(store, nil, deliverer, nil, nil, DispatcherOptions{}, testLogger())
		sub := subscribe(t, store, storage.Subscription{Endpoint: "https://push/dead", Threshold: ptr("3"), VolatilityAlert: true})

		if res := d.FireThreshold(ctx, "c", sub, dec("3.5")); res.Outcome != OutcomeGone {
			t.Fatalf("应为永久失效: %+v", res)
		}
		got, found, _ := store.GetSubscription(ctx, sub.Endpoint)
		if !found || got.GoneAt == nil || got.Threshold != nil {
			t.Fatalf("失效订阅应被标记且保持解除: %+v", got)
		}
		vol, _ := store.ListVolatilitySubscribers(ctx)
		if len(vol) != 0 {
			t.Fatal("失效订阅不应继续接收波动提醒")
		}
	})

	t.Run("prune", func(t *testing.T) {
		store := storage.NewMemoryStore()
		deliverer := &fakeDeliverer{outcomes: map[string]Outcome{"https://push/dead": OutcomeGone}}
		d := NewDispatcher(store, nil, deliverer, nil, nil, DispatcherOptions{PruneGone: true}, testLogger())
		sub := subscribe(t, store, storage.Subscription{Endpoint: "https://push/dead", Threshold: ptr("3")})

		d.FireThreshold(ctx, "c", sub, dec("3.5"))
		if _, found, _ := store.GetSubscription(ctx, sub.Endpoint); found {
			t.Fatal("prune_gone 开启时应删除订阅")
		}
	})
}

func TestSendVolatilityIsolatesSubscribers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	deliverer := &fakeDeliverer{outcomes: map[string]Outcome{
		"https://push/1": OutcomeTransient,
		"https://push/2": OutcomeGone,
	}}
	d := NewDispatcher(store, store, deliverer, nil, nil, DispatcherOptions{Icon: "/icon.png"}, testLogger())

	for _, ep := range []string{"https://push/1", "https://push/2", "https://push/3"} {
		subscribe(t, store, storage.Subscription{Endpoint: ep, VolatilityAlert: true})
	}
	subscribe(t, store, storage.Subscription{Endpoint: "https://push/quiet"})

	subs, _ := store.ListVolatilitySubscribers(ctx)
	spike := Spike{Source: "X", Pct: dec("3.3333333"), Min: dec("3.00"), Max: dec("3.10")}
	results := d.SendVolatility(ctx, "c", spike, subs)

	if len(results) != 3 || deliverer.count() != 3 {
		t.Fatalf("每个订阅者应各收到一次: results=%d calls=%d", len(results), deliverer.count())
	}
	if results[2].Outcome != OutcomeSent {
		t.Fatalf("前面订阅失败不应影响后续: %+v", results[2])
	}
	msg := deliverer.calls[2].payload
	if msg.Title != "High Volatility Alert" || msg.Body != "X rate changed by 3.33% (3.0000 - 3.1000)" || msg.Icon != "/icon.png" {
		t.Fatalf("波动提醒内容不正确: %+v", msg)
	}

	// 波动提醒不解除订阅
	subs, _ = store.ListVolatilitySubscribers(ctx)
	if len(subs) != 2 {
		t.Fatalf("仅失效订阅应被排除, 实际剩余 %d", len(subs))
	}
}

func TestSendTestLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	deliverer := &fakeDeliverer{}
	d := NewDispatcher(store, store, deliverer, nil, nil, DispatcherOptions{}, testLogger())
	sub := subscribe(t, store, storage.Subscription{Endpoint: "https://push/t", Threshold: ptr("3")})

	outcome, err := d.SendTest(ctx, sub.Endpoint, sub.Keys)
	if err != nil || outcome != OutcomeSent {
		t.Fatalf("测试推送应成功: %v %v", outcome, err)
	}
	if !strings.HasPrefix(deliverer.calls[0].payload.Title, "Test") {
		t.Fatalf("测试推送标题不正确: %+v", deliverer.calls[0].payload)
	}
	got, _, _ := store.GetSubscription(ctx, sub.Endpoint)
	if got.Threshold == nil {
		t.Fatal("测试推送不应改变订阅状态")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("https://fcm.googleapis.com/fcm/send/abc")
	if a != Fingerprint("https://fcm.googleapis.com/fcm/send/abc") || len(a) != 16 {
		t.Fatalf("指纹应稳定且为 16 位十六进制: %s", a)
	}
	if a == Fingerprint("https://fcm.googleapis.com/fcm/send/abd") {
		t.Fatal("不同 endpoint 指纹应不同")
	}
}
