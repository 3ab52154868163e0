package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func serve(t *testing.T, wantPath, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantPath != "" && r.URL.Path != wantPath {
			t.Errorf("请求路径应为 %s, 实际 %s", wantPath, r.URL.Path)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("请求应携带 User-Agent")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func build(t *testing.T, kind, baseURL string) Source {
	t.Helper()
	src, err := DefaultRegistry().Build(Spec{Name: kind, Kind: kind, BaseURL: baseURL, Timeout: time.Second, Base: "SGD", Quote: "MYR"}, noopLogger())
	if err != nil {
		t.Fatalf("构建 %s 失败: %v", kind, err)
	}
	return src
}

func expectRate(t *testing.T, src Source, want string) {
	t.Helper()
	rate, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("%s 不应报错: %v", src.Name(), err)
	}
	if !rate.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s 期望 %s, 实际 %s", src.Name(), want, rate)
	}
}

func expectNoValue(t *testing.T, src Source) {
	t.Helper()
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatalf("%s 应返回错误", src.Name())
	}
}

func TestInstarem(t *testing.T) {
	srv := serve(t, "/wp-json/instarem/v2/convert-rate/sgd/", `{"status":true,"data":{"MYR":"3.4521","USD":0.74}}`, http.StatusOK)
	expectRate(t, build(t, "instarem", srv.URL), "3.4521")

	numeric := serve(t, "", `{"status":1,"data":{"MYR":3.45}}`, http.StatusOK)
	expectRate(t, build(t, "instarem", numeric.URL), "3.45")

	failed := serve(t, "", `{"status":false,"data":{"MYR":3.45}}`, http.StatusOK)
	expectNoValue(t, build(t, "instarem", failed.URL))

	broken := serve(t, "", `oops`, http.StatusBadGateway)
	expectNoValue(t, build(t, "instarem", broken.URL))
}

func TestExchangeRateAPI(t *testing.T) {
	srv := serve(t, "/v4/latest/SGD", `{"base":"SGD","rates":{"MYR":3.41,"USD":0.74}}`, http.StatusOK)
	expectRate(t, build(t, "exchangerate_api", srv.URL), "3.41")

	missing := serve(t, "", `{"rates":{"USD":0.74}}`, http.StatusOK)
	expectNoValue(t, build(t, "exchangerate_api", missing.URL))
}

func TestWisePatterns(t *testing.T) {
	inline := serve(t, "/gb/currency-converter/sgd-to-myr-rate", `<h3>1 SGD = 3.4420 MYR</h3>`, http.StatusOK)
	expectRate(t, build(t, "wise", inline.URL), "3.4420")

	table := serve(t, "", "<td>1 SGD</td>\n<td>3.44 MYR</td>", http.StatusOK)
	expectRate(t, build(t, "wise", table.URL), "3.44")

	empty := serve(t, "", `<html>maintenance</html>`, http.StatusOK)
	expectNoValue(t, build(t, "wise", empty.URL))
}

func TestCIMBRateList(t *testing.T) {
	page := `<html><body><form><input type="hidden" id="rateList" name="rateList" value="[3.1107]"></form><p>9.99999</p></body></html>`
	srv := serve(t, "/sgd-to-myr", page, http.StatusOK)
	expectRate(t, build(t, "cimb", srv.URL), "3.1107")

	byName := serve(t, "", `<input name="rateList" value="[3.2000,3.1000]">`, http.StatusOK)
	expectRate(t, build(t, "cimb", byName.URL), "3.2000")
}

func TestCIMBFallbackPatterns(t *testing.T) {
	text := serve(t, "", `<div>SGD 1.00 = MYR 3.3333</div>`, http.StatusOK)
	expectRate(t, build(t, "cimb", text.URL), "3.3333")

	loose := serve(t, "", `<span>rate 3.1234 today</span>`, http.StatusOK)
	expectRate(t, build(t, "cimb", loose.URL), "3.1234")
}

func TestXEPlausibilityBand(t *testing.T) {
	page := `<p>12.50 Malaysian Ringgits</p><p class="result__fxrate">3.4567</p>`
	srv := serve(t, "/currencyconverter/convert/", page, http.StatusOK)

	src, err := DefaultRegistry().Build(Spec{
		Name: "XE", Kind: "xe", BaseURL: srv.URL, Base: "SGD", Quote: "MYR",
		MinRate: decimal.NewFromInt(3), MaxRate: decimal.NewFromInt(4),
	}, noopLogger())
	if err != nil {
		t.Fatalf("构建 XE 失败: %v", err)
	}
	// 12.50 超出区间, 应回退到 fxrate
	expectRate(t, src, "3.4567")

	out := serve(t, "", `<p>5.10 Malaysian Ringgit</p>`, http.StatusOK)
	src, _ = DefaultRegistry().Build(Spec{Name: "XE", Kind: "xe", BaseURL: out.URL, MinRate: decimal.NewFromInt(3), MaxRate: decimal.NewFromInt(4)}, noopLogger())
	expectNoValue(t, src)
}

func TestStaticAndRegistry(t *testing.T) {
	reg := DefaultRegistry()
	src, err := reg.Build(Spec{Name: "fixed", Kind: "static", Value: decimal.RequireFromString("3.15")}, noopLogger())
	if err != nil {
		t.Fatalf("构建 static 失败: %v", err)
	}
	expectRate(t, src, "3.15")
	if src.Timeout() != DefaultTimeout {
		t.Fatalf("未配置超时应使用默认值, 实际 %s", src.Timeout())
	}

	if _, err := reg.Build(Spec{Name: "fixed", Kind: "static"}, noopLogger()); err == nil {
		t.Fatal("static 缺少数值应报错")
	}
	if _, err := reg.Build(Spec{Name: "x", Kind: "carrier-pigeon"}, noopLogger()); err == nil {
		t.Fatal("未知类型应报错")
	}

	reg.Register("custom", func(spec Spec, _ zerolog.Logger) (Source, error) {
		return &Static{named: named{name: spec.Name}, value: decimal.NewFromInt(1)}, nil
	})
	if _, err := reg.Build(Spec{Name: "c", Kind: "CUSTOM"}, noopLogger()); err != nil {
		t.Fatalf("注册的新类型应可构建: %v", err)
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	src, _ := NewChainlink(Spec{Name: "chainlink"}, noopLogger())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	src, _ = NewChainlink(Spec{Name: "chainlink", RPCURL: "http://localhost"}, noopLogger())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("缺少喂价合约地址应报错")
	}
}

func TestSourceErrorMatchesNoValue(t *testing.T) {
	cause := errors.New("boom")
	err := error(&SourceError{Source: "Wise", Err: cause})
	if !errors.Is(err, ErrNoValue) || !errors.Is(err, cause) {
		t.Fatal("SourceError 应同时匹配 ErrNoValue 与原始错误")
	}
	var se *SourceError
	if !errors.As(err, &se) || se.Source != "Wise" {
		t.Fatal("应能取出来源名称")
	}
}
