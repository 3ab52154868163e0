package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type stubSource struct {
	name string
	mu   sync.Mutex
	rate decimal.Decimal
	err  error
}

func (s *stubSource) Name() string           { return s.name }
func (s *stubSource) Timeout() time.Duration { return time.Second }

func (s *stubSource) Fetch(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.err
}

func (s *stubSource) set(rate string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate, s.err = decimal.RequireFromString(rate), err
}

func newStub(name, rate string) *stubSource {
	s := &stubSource{name: name}
	s.set(rate, nil)
	return s
}

type recordedPush struct {
	endpoint string
	title    string
}

type fakeDeliverer struct {
	mu       sync.Mutex
	outcomes map[string]alerting.Outcome
	pushes   []recordedPush
}

func (f *fakeDeliverer) Deliver(_ context.Context, endpoint string, _ json.RawMessage, payload []byte) (alerting.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var msg alerting.Message
	_ = json.Unmarshal(payload, &msg)
	f.pushes = append(f.pushes, recordedPush{endpoint: endpoint, title: msg.Title})

	if outcome, ok := f.outcomes[endpoint]; ok && outcome != alerting.OutcomeSent {
		return outcome, errors.New("push rejected")
	}
	return alerting.OutcomeSent, nil
}

func (f *fakeDeliverer) titled(title string) []recordedPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedPush, 0)
	for _, p := range f.pushes {
		if p.title == title {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeDeliverer) setOutcome(endpoint string, o alerting.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]alerting.Outcome)
	}
	f.outcomes[endpoint] = o
}

type captureNotifier struct {
	mu      sync.Mutex
	notices []alerting.Notice
}

func (c *captureNotifier) Notify(_ context.Context, n alerting.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	return nil
}

type harness struct {
	svc       *Service
	store     *storage.MemoryStore
	deliverer *fakeDeliverer
	notifier  *captureNotifier
}

type harnessOptions struct {
	primary  []fetcher.Source
	fallback fetcher.Source
	rates    storage.RateStore
	pinger   storage.Pinger
	locker   storage.AdvisoryLocker
	logs     io.Writer
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemoryStore()
	var rates storage.RateStore = store
	if opts.rates != nil {
		rates = opts.rates
	}
	var pinger storage.Pinger = store
	if opts.pinger != nil {
		pinger = opts.pinger
	}

	svcLogger := logger
	if opts.logs != nil {
		svcLogger = zerolog.New(opts.logs)
	}

	deliverer := &fakeDeliverer{}
	notifier := &captureNotifier{}
	evaluator := alerting.NewEvaluator(rates, store, alerting.EvaluatorOptions{
		VolatilityThreshold: decimal.NewFromFloat(2.0),
		VolatilityPeriod:    time.Hour,
	}, logger)
	dispatcher := alerting.NewDispatcher(store, store, deliverer, nil, nil, alerting.DispatcherOptions{}, logger)

	svc := New(Deps{
		Collector:  fetcher.NewCascade(opts.primary, opts.fallback, fetcher.CascadeOptions{}, logger),
		Rates:      rates,
		Subs:       store,
		Alerts:     store,
		Evaluator:  evaluator,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Locker:     opts.locker,
		Pinger:     pinger,
		Clock:      func() time.Time { return t0.Add(time.Hour) },
	}, Options{Pair: "SGD/MYR", AlertsEnabled: true, RetentionDays: 30, LockKey: 42}, svcLogger)

	return &harness{svc: svc, store: store, deliverer: deliverer, notifier: notifier}
}

func (h *harness) subscribe(t *testing.T, endpoint, threshold string, kind storage.ThresholdType, volatility bool) {
	t.Helper()
	sub := storage.Subscription{Endpoint: endpoint, Keys: json.RawMessage(`{"p256dh":"k","auth":"a"}`), ThresholdType: kind, VolatilityAlert: volatility}
	if threshold != "" {
		v := decimal.RequireFromString(threshold)
		sub.Threshold = &v
	}
	if err := h.svc.UpsertSubscription(context.Background(), sub); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
}

func (h *harness) cycle(t *testing.T, at time.Time) CycleReport {
	t.Helper()
	report, err := h.svc.RunCycle(context.Background(), at)
	if err != nil {
		t.Fatalf("周期执行失败: %v", err)
	}
	return report
}

func TestCycleSharesObservedAtAndIsolatesFailures(t *testing.T) {
	broken := newStub("cimb", "0")
	broken.set("0", errors.New("connection reset"))
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{
		newStub("wise", "3.1500"), broken, newStub("instarem", "3.1620"),
	}})

	at := time.Date(2025, 3, 1, 8, 5, 0, 123, time.FixedZone("SGT", 8*3600))
	report := h.cycle(t, at)

	if report.Persisted != 2 || len(report.Failures) != 1 {
		t.Fatalf("应持久化 2 条并记录 1 个失败, 实际 %d/%d", report.Persisted, len(report.Failures))
	}
	if report.Best == nil || report.Best.Source != "instarem" {
		t.Fatalf("最佳汇率来源错误: %+v", report.Best)
	}

	samples, _ := h.store.Window(context.Background(), "", at.Add(-time.Minute))
	if len(samples) != 2 {
		t.Fatalf("窗口内样本数错误: %d", len(samples))
	}
	for _, s := range samples {
		if !s.ObservedAt.Equal(at) || s.ObservedAt.Location() != time.UTC {
			t.Fatalf("同一周期的样本应共享 UTC 观测时间: %s", s.ObservedAt)
		}
	}
}

func TestCycleFallbackFailureSkipsAlerts(t *testing.T) {
	p1, p2, fb := newStub("wise", "0"), newStub("cimb", "0"), newStub("exchangerate_api", "0")
	p1.set("0", fetcher.ErrNoValue)
	p2.set("0", errors.New("timeout"))
	fb.set("0", errors.New("503"))
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{p1, p2}, fallback: fb})
	h.subscribe(t, "https://push.example/a", "3.00", storage.ThresholdAbove, true)

	report := h.cycle(t, t0)
	if len(report.Quotes) != 0 || !errors.Is(report.Err, fetcher.ErrAllSourcesFailed) {
		t.Fatalf("全部失败时结果应为空: %+v", report)
	}
	if len(h.deliverer.pushes) != 0 {
		t.Fatalf("无数据时不应推送, 实际 %d 次", len(h.deliverer.pushes))
	}
	if len(h.notifier.notices) != 1 || h.notifier.notices[0].Kind != "all_sources_failed" {
		t.Fatalf("应向运维发送一次全失败通知: %+v", h.notifier.notices)
	}
	if len(h.notifier.notices[0].Failures) != 3 {
		t.Fatalf("通知应包含三个失败来源: %v", h.notifier.notices[0].Failures)
	}
}

func TestCycleUsesFallbackOnce(t *testing.T) {
	p := newStub("wise", "0")
	p.set("0", errors.New("down"))
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{p}, fallback: newStub("exchangerate_api", "3.1200")})

	report := h.cycle(t, t0)
	if !report.UsedFallback || len(report.Quotes) != 1 || report.Quotes[0].Source != "exchangerate_api" {
		t.Fatalf("应使用一次兜底来源: %+v", report)
	}
}

func TestThresholdAboveFiresOnce(t *testing.T) {
	src := newStub("wise", "3.15")
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{src}})
	h.subscribe(t, "https://push.example/a", "3.10", storage.ThresholdAbove, false)

	report := h.cycle(t, t0)
	if report.ThresholdFired != 1 || len(h.deliverer.titled("Rate Alert!")) != 1 {
		t.Fatalf("3.15 应触发 above 3.10 告警一次, 实际 %d", report.ThresholdFired)
	}
	status, _ := h.svc.SubscriptionStatus(context.Background(), "https://push.example/a")
	if status.Threshold != nil || status.ThresholdEnabled {
		t.Fatalf("触发后阈值应被清除: %+v", status)
	}

	src.set("3.20", nil)
	h.cycle(t, t0.Add(5*time.Minute))
	if got := len(h.deliverer.titled("Rate Alert!")); got != 1 {
		t.Fatalf("未重新布防前不应再次推送, 实际 %d 次", got)
	}

	h.subscribe(t, "https://push.example/a", "3.10", storage.ThresholdAbove, false)
	h.cycle(t, t0.Add(10*time.Minute))
	if got := len(h.deliverer.titled("Rate Alert!")); got != 2 {
		t.Fatalf("重新订阅后应再次触发, 实际 %d 次", got)
	}
}

func TestThresholdBelow(t *testing.T) {
	src := newStub("wise", "3.10")
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{src}})
	h.subscribe(t, "https://push.example/b", "3.00", storage.ThresholdBelow, false)

	h.cycle(t, t0)
	if got := len(h.deliverer.titled("Rate Alert!")); got != 0 {
		t.Fatalf("3.10 不应触发 below 3.00, 实际 %d 次", got)
	}

	src.set("2.95", nil)
	h.cycle(t, t0.Add(5*time.Minute))
	if got := len(h.deliverer.titled("Rate Alert!")); got != 1 {
		t.Fatalf("2.95 应触发 below 3.00, 实际 %d 次", got)
	}
}

func TestThresholdTransientFailureRearms(t *testing.T) {
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("wise", "3.15")}})
	h.subscribe(t, "https://push.example/a", "3.10", storage.ThresholdAbove, false)
	h.deliverer.setOutcome("https://push.example/a", alerting.OutcomeTransient)

	h.cycle(t, t0)
	status, _ := h.svc.SubscriptionStatus(context.Background(), "https://push.example/a")
	if status.Threshold == nil || !status.Threshold.Equal(decimal.RequireFromString("3.10")) {
		t.Fatalf("临时失败后应重新布防: %+v", status)
	}

	h.deliverer.setOutcome("https://push.example/a", alerting.OutcomeSent)
	h.cycle(t, t0.Add(5*time.Minute))
	status, _ = h.svc.SubscriptionStatus(context.Background(), "https://push.example/a")
	if status.Threshold != nil {
		t.Fatalf("成功推送后应解除布防: %+v", status)
	}
	if got := len(h.deliverer.titled("Rate Alert!")); got != 2 {
		t.Fatalf("应尝试推送两次, 实际 %d 次", got)
	}
}

func TestGoneEndpointIsFlagged(t *testing.T) {
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("wise", "3.15")}})
	h.subscribe(t, "https://push.example/gone", "3.10", storage.ThresholdAbove, true)
	h.deliverer.setOutcome("https://push.example/gone", alerting.OutcomeGone)

	h.cycle(t, t0)
	status, _ := h.svc.SubscriptionStatus(context.Background(), "https://push.example/gone")
	if !status.Found || !status.Gone || status.Threshold != nil {
		t.Fatalf("失效端点应被标记且保持解除布防: %+v", status)
	}
}

func TestVolatilityDispatchesOncePerSubscriber(t *testing.T) {
	src := newStub("X", "3.10")
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{src}})
	ctx := context.Background()
	if err := h.store.AppendSample(ctx, storage.RateSample{Source: "X", Rate: decimal.RequireFromString("3.00"), ObservedAt: t0}); err != nil {
		t.Fatalf("写入样本失败: %v", err)
	}
	h.subscribe(t, "https://push.example/v1", "", storage.ThresholdAbove, true)
	h.subscribe(t, "https://push.example/v2", "", storage.ThresholdAbove, true)
	h.subscribe(t, "https://push.example/quiet", "", storage.ThresholdAbove, false)

	report := h.cycle(t, t0.Add(10*time.Minute))

	if len(report.Spikes) != 1 || report.Spikes[0].Source != "X" || report.Spikes[0].Pct.StringFixed(2) != "3.33" {
		t.Fatalf("波动率应为 3.33%%: %+v", report.Spikes)
	}
	pushes := h.deliverer.titled("High Volatility Alert")
	if len(pushes) != 2 {
		t.Fatalf("两个波动率订阅应各收到一次推送, 实际 %d 次", len(pushes))
	}
	seen := map[string]int{}
	for _, p := range pushes {
		seen[p.endpoint]++
	}
	if seen["https://push.example/v1"] != 1 || seen["https://push.example/v2"] != 1 || seen["https://push.example/quiet"] != 0 {
		t.Fatalf("推送目标错误: %v", seen)
	}
}

func TestVolatilityNonPositiveMinSkipped(t *testing.T) {
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("X", "3.10")}})
	ctx := context.Background()
	_ = h.store.AppendSample(ctx, storage.RateSample{Source: "X", Rate: decimal.Zero, ObservedAt: t0})
	h.subscribe(t, "https://push.example/v1", "", storage.ThresholdAbove, true)

	report := h.cycle(t, t0.Add(10*time.Minute))
	if report.Err != nil || len(report.Spikes) != 0 {
		t.Fatalf("最小值非正时应静默跳过: %+v", report)
	}
	if len(h.deliverer.pushes) != 0 {
		t.Fatalf("不应推送, 实际 %d 次", len(h.deliverer.pushes))
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.subscribe(t, "https://push.example/a", "3.10", storage.ThresholdAbove, false)
	h.subscribe(t, "https://push.example/a", "3.25", storage.ThresholdBelow, true)

	armed, _ := h.store.ListArmedThresholds(context.Background())
	if len(armed) != 1 {
		t.Fatalf("同一端点只应存在一条订阅, 实际 %d", len(armed))
	}
	status, _ := h.svc.SubscriptionStatus(context.Background(), "https://push.example/a")
	if !status.Threshold.Equal(decimal.RequireFromString("3.25")) || status.ThresholdType != storage.ThresholdBelow || !status.VolatilityAlert {
		t.Fatalf("订阅应反映最后一次调用: %+v", status)
	}
}

func TestSubscriptionValidationAndDefaults(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	if err := h.svc.UpsertSubscription(ctx, storage.Subscription{Endpoint: "  "}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("空端点应被拒绝: %v", err)
	}
	if err := h.svc.UpsertSubscription(ctx, storage.Subscription{Endpoint: "https://push.example/x", Keys: json.RawMessage(`{bad`)}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("非法 keys 应被拒绝: %v", err)
	}

	status, err := h.svc.SubscriptionStatus(ctx, "https://push.example/unknown")
	if err != nil || status.Found || status.ThresholdEnabled || status.ThresholdType != storage.ThresholdAbove || status.VolatilityAlert {
		t.Fatalf("未知端点应返回默认状态: %+v %v", status, err)
	}

	h.subscribe(t, "https://push.example/x", "3.1", storage.ThresholdAbove, false)
	if err := h.svc.ClearSubscription(ctx, "https://push.example/x"); err != nil {
		t.Fatalf("删除订阅失败: %v", err)
	}
	if err := h.svc.ClearSubscription(ctx, "https://push.example/x"); err != nil {
		t.Fatalf("重复删除不应报错: %v", err)
	}
	if status, _ := h.svc.SubscriptionStatus(ctx, "https://push.example/x"); status.Found {
		t.Fatal("删除后不应再找到订阅")
	}
}

func TestLatestPerSourceAndBestRate(t *testing.T) {
	a, b := newStub("wise", "3.10"), newStub("cimb", "3.05")
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{a, b}})
	h.cycle(t, t0)
	a.set("3.08", nil)
	b.set("3.12", nil)
	h.cycle(t, t0.Add(5*time.Minute))

	latest, err := h.svc.LatestPerSource(context.Background())
	if err != nil || len(latest) != 2 {
		t.Fatalf("每个来源应只有一条最新记录: %v %v", latest, err)
	}
	for _, s := range latest {
		if !s.ObservedAt.Equal(t0.Add(5 * time.Minute)) {
			t.Fatalf("%s 返回的不是最新样本: %s", s.Source, s.ObservedAt)
		}
	}

	best, ok, err := h.svc.BestRateNow(context.Background())
	if err != nil || !ok || best.Source != "cimb" || !best.Rate.Equal(decimal.RequireFromString("3.12")) {
		t.Fatalf("当前最佳汇率错误: %+v %v", best, err)
	}
}

type brokenRates struct {
	*storage.MemoryStore
}

func (brokenRates) AppendSample(context.Context, storage.RateSample) error {
	return errors.New("connection refused")
}

func (brokenRates) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestPersistenceUnavailable(t *testing.T) {
	broken := brokenRates{storage.NewMemoryStore()}
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("wise", "3.15")}, rates: broken, pinger: broken})
	h.subscribe(t, "https://push.example/a", "3.10", storage.ThresholdAbove, false)

	report, err := h.svc.RunCycle(context.Background(), t0)
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("存储不可用应返回 ErrPersistenceUnavailable, 实际 %v", err)
	}
	if report.PersistFailures != 1 || len(h.deliverer.pushes) != 0 {
		t.Fatalf("存储故障时不应推送: %+v", report)
	}
	if len(h.notifier.notices) != 1 || h.notifier.notices[0].Kind != "persistence_unavailable" {
		t.Fatalf("应通知运维存储故障: %+v", h.notifier.notices)
	}

	health, err := h.svc.Health(context.Background())
	if err == nil || health.Status != "unhealthy" || health.Database != "disconnected" {
		t.Fatalf("健康检查应报告数据库断开: %+v %v", health, err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// phases maps each logged message to the phase it was logged in.
func (b *lockedBuffer) phases(t *testing.T) map[string]string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry struct {
			Message string `json:"message"`
			Phase   string `json:"phase"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("日志不是合法 JSON: %v %s", err, line)
		}
		out[entry.Message] = entry.Phase
	}
	return out
}

func TestCycleLogsFailurePhase(t *testing.T) {
	t.Run("persisting", func(t *testing.T) {
		logs := &lockedBuffer{}
		broken := brokenRates{storage.NewMemoryStore()}
		h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("wise", "3.15")}, rates: broken, pinger: broken, logs: logs})

		if _, err := h.svc.RunCycle(context.Background(), t0); !errors.Is(err, ErrPersistenceUnavailable) {
			t.Fatalf("存储不可用应返回错误, 实际 %v", err)
		}
		phases := logs.phases(t)
		if phases["failed to persist sample"] != string(PhasePersisting) || phases["store unreachable, cycle aborted"] != string(PhasePersisting) {
			t.Fatalf("存储故障日志应标注 persisting 阶段: %v", phases)
		}
	})

	t.Run("fetching", func(t *testing.T) {
		logs := &lockedBuffer{}
		down := newStub("wise", "0")
		down.set("0", errors.New("timeout"))
		h := newHarness(t, harnessOptions{primary: []fetcher.Source{down}, logs: logs})

		h.cycle(t, t0)
		phases := logs.phases(t)
		if phases["source failed"] != string(PhaseFetching) || phases["all sources failed, alerts skipped"] != string(PhaseFetching) {
			t.Fatalf("抓取失败日志应标注 fetching 阶段: %v", phases)
		}
	})

	t.Run("recorded", func(t *testing.T) {
		logs := &lockedBuffer{}
		h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("wise", "3.15")}, logs: logs})

		h.cycle(t, t0)
		phases := logs.phases(t)
		if phases["samples recorded"] != string(PhasePersisting) {
			t.Fatalf("写入日志应标注 persisting 阶段: %v", phases)
		}
	})
}

type panicCollector struct{}

func (panicCollector) Collect(context.Context) fetcher.CycleResult {
	panic("boom")
}

func TestTriggerNowIsSupervised(t *testing.T) {
	svc := New(Deps{Collector: panicCollector{}, Rates: storage.NewMemoryStore()}, Options{}, zerolog.Nop())
	svc.TriggerNow()
	svc.TriggerNow()

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("后台周期未结束")
	}

	report, err := svc.runGuarded(context.Background(), t0)
	if err == nil || !strings.Contains(err.Error(), "panicked") || report.Err == nil {
		t.Fatalf("panic 应被转换为错误: %+v %v", report, err)
	}
}

func TestTriggerNowPersists(t *testing.T) {
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{newStub("wise", "3.15")}})
	h.svc.TriggerNow()
	h.svc.Wait()

	latest, _ := h.store.LatestPerSource(context.Background())
	if len(latest) != 1 || !latest[0].ObservedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("手动周期应以服务时钟写入样本: %+v", latest)
	}
}

func TestHistoryTrendsConvert(t *testing.T) {
	a, b := newStub("wise", "3.12345"), newStub("cimb", "3.1")
	h := newHarness(t, harnessOptions{primary: []fetcher.Source{a, b}})
	for i := 0; i < 3; i++ {
		h.cycle(t, t0.Add(time.Duration(i)*5*time.Minute+17*time.Second))
	}
	ctx := context.Background()

	history, err := h.svc.History(ctx, 2)
	if err != nil || len(history) != 2 || history[0].Source != "cimb" {
		t.Fatalf("历史记录分组错误: %+v %v", history, err)
	}
	for _, sh := range history {
		if len(sh.Samples) != 2 || !sh.Samples[0].ObservedAt.After(sh.Samples[1].ObservedAt) {
			t.Fatalf("%s 应返回最新两条且倒序: %+v", sh.Source, sh.Samples)
		}
	}

	trends, err := h.svc.Trends(ctx, "wise", 1)
	if err != nil || trends.PeriodDays != 1 || len(trends.Data["wise"]) != 3 || len(trends.Data["cimb"]) != 0 {
		t.Fatalf("趋势数据错误: %+v %v", trends, err)
	}
	first := trends.Data["wise"][0]
	if first.Timestamp.Second() != 0 || first.Rate.String() != "3.123" {
		t.Fatalf("趋势应按分钟截断并保留三位小数: %+v", first)
	}

	conv, err := h.svc.Convert(ctx, decimal.NewFromInt(100), "")
	if err != nil || conv.Source != "wise" || !conv.Converted.Equal(decimal.RequireFromString("312.345")) {
		t.Fatalf("默认应按最佳来源换算: %+v %v", conv, err)
	}
	conv, err = h.svc.Convert(ctx, decimal.NewFromInt(10), "CIMB")
	if err != nil || !conv.Converted.Equal(decimal.NewFromInt(31)) {
		t.Fatalf("指定来源换算错误: %+v %v", conv, err)
	}
	if _, err := h.svc.Convert(ctx, decimal.NewFromInt(1), "xe"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("未知来源应报错: %v", err)
	}
}

type stubLocker struct {
	acquired bool
	unlocked bool
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked = true }, true, nil
}

func TestPurgeHonoursRetentionAndLock(t *testing.T) {
	locker := &stubLocker{acquired: true}
	h := newHarness(t, harnessOptions{locker: locker})
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	_ = h.store.AppendSample(ctx, storage.RateSample{Source: "wise", Rate: decimal.RequireFromString("3.1"), ObservedAt: now.Add(-31 * 24 * time.Hour)})
	_ = h.store.AppendSample(ctx, storage.RateSample{Source: "wise", Rate: decimal.RequireFromString("3.2"), ObservedAt: now.Add(-29 * 24 * time.Hour)})

	report, err := h.svc.Purge(ctx, now)
	if err != nil || report.Skipped || report.Samples != 1 || !locker.unlocked {
		t.Fatalf("应删除 30 天前的样本并释放锁: %+v %v", report, err)
	}

	locker.acquired = false
	report, err = h.svc.Purge(ctx, now)
	if err != nil || !report.Skipped {
		t.Fatalf("锁被占用时应跳过: %+v %v", report, err)
	}
}

func TestSendTestDoesNotTouchState(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.subscribe(t, "https://push.example/a", "3.10", storage.ThresholdAbove, false)

	outcome, err := h.svc.SendTest(context.Background(), "https://push.example/a", json.RawMessage(`{}`))
	if err != nil || outcome != alerting.OutcomeSent || len(h.deliverer.titled("Test Notification")) != 1 {
		t.Fatalf("测试推送失败: %s %v", outcome, err)
	}
	status, _ := h.svc.SubscriptionStatus(context.Background(), "https://push.example/a")
	if status.Threshold == nil {
		t.Fatal("测试推送不应解除布防")
	}
	alerts, _ := h.svc.RecentAlerts(context.Background(), 10)
	if len(alerts) != 1 || alerts[0].Kind != storage.AlertTest {
		t.Fatalf("测试推送应写入审计: %+v", alerts)
	}
}
