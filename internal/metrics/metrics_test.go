package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveFetch("Wise", 120*time.Millisecond, nil)
	m.ObserveFetch("CIMB", time.Second, errors.New("timeout"))
	m.ObserveCycle("ok", 2*time.Second, 3, 1)
	m.SetRate("Wise", decimal.RequireFromString("3.45"))
	m.ObserveAlert("threshold", "sent")

	srv := httptest.NewServer(m.Handler("/metrics", nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求 /metrics 失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`ratewatcher_fetch_total{outcome="no_value",source="CIMB"} 1`,
		`ratewatcher_rate{source="Wise"} 3.45`,
		`ratewatcher_samples_persisted_total 3`,
		`ratewatcher_alerts_total{kind="threshold",outcome="sent"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("指标输出缺少 %q", want)
		}
	}
}

func TestHealthz(t *testing.T) {
	var m *Metrics
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(m.Handler("", func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("database unreachable")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("请求 /healthz 失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("健康时应返回 200, 实际 %d", resp.StatusCode)
	}

	healthy.Store(false)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("请求 /healthz 失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("不健康时应返回 503, 实际 %d", resp.StatusCode)
	}

	// nil Metrics 上的记录方法不应 panic
	m.ObserveFetch("x", time.Second, nil)
	m.ObserveAlert("volatility", "sent")
}
