package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/service"
	"fx-rate-alerts/internal/storage"
)

// Cycle runs one synchronous scrape cycle against the configured sources.
func (a *App) Cycle(ctx context.Context) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.svc.RunCycle(ctx, time.Now().UTC())
	printReport(report)
	return err
}

// SimulateOptions 描述一次模拟周期。
type SimulateOptions struct {
	// Rates 为来源名到模拟汇率的映射。
	Rates map[string]decimal.Decimal
	// Previous 若非零, 会在十分钟前为每个来源写入一条样本, 用于触发波动率告警。
	Previous decimal.Decimal
	// Persist 为 true 时写入真实存储, 否则样本只保存在内存中。
	Persist bool
}

// SimulateAlert 使用静态来源跑一次完整周期, 订阅与告警使用已配置的存储。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if len(opts.Rates) == 0 {
		return errors.New("至少需要一个模拟汇率")
	}

	names := make([]string, 0, len(opts.Rates))
	for name := range opts.Rates {
		names = append(names, name)
	}
	sort.Strings(names)

	registry := fetcher.DefaultRegistry()
	sources := make([]fetcher.Source, 0, len(names))
	for _, name := range names {
		src, err := registry.Build(fetcher.Spec{Name: name, Kind: "static", Value: opts.Rates[name]}, a.Logger)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	var rates storage.RateStore
	if !opts.Persist {
		rates = storage.NewMemoryStore()
	}
	eng, err := a.newEngine(ctx, engineOptions{
		collector: fetcher.NewCascade(sources, nil, fetcher.CascadeOptions{}, a.Logger),
		rates:     rates,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	now := time.Now().UTC()
	if opts.Previous.IsPositive() {
		store := rates
		if store == nil {
			store = eng.backend.rates
		}
		for _, name := range names {
			seed := storage.RateSample{Source: name, Rate: opts.Previous, ObservedAt: now.Add(-10 * time.Minute)}
			if err := store.AppendSample(ctx, seed); err != nil {
				return fmt.Errorf("seed previous sample: %w", err)
			}
		}
	}

	report, err := eng.svc.RunCycle(ctx, now)
	printReport(report)
	return err
}

func printReport(report service.CycleReport) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Cycle\t%s\n", report.ID)
	fmt.Fprintf(writer, "Observed (UTC)\t%s\n", report.ObservedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Quotes\t%d (fallback: %t)\n", len(report.Quotes), report.UsedFallback)
	fmt.Fprintf(writer, "Persisted\t%d (failed: %d)\n", report.Persisted, report.PersistFailures)
	if report.Best != nil {
		fmt.Fprintf(writer, "Best\t%s %s\n", report.Best.Source, report.Best.Rate.StringFixed(4))
	}
	for _, spike := range report.Spikes {
		fmt.Fprintf(writer, "Volatility\t%s %s%%\n", spike.Source, spike.Pct.StringFixed(2))
	}
	fmt.Fprintf(writer, "Alerts\tthreshold=%d volatility=%d\n", report.ThresholdFired, report.VolatilitySent)
	for _, ferr := range report.Failures {
		fmt.Fprintf(writer, "Failure\t%s\n", sanitizeInline(ferr.Error()))
	}
	if report.Err != nil {
		fmt.Fprintf(writer, "Error\t%s\n", sanitizeInline(report.Err.Error()))
	}
	writer.Flush()
}
