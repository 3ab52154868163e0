package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	// History, when positive, lists that many recent samples per source.
	History int
}

// Show prints the latest rate of every source, or recent history.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	if opts.History > 0 {
		history, err := eng.svc.History(ctx, opts.History)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Fprintln(os.Stdout, "no samples found")
			return nil
		}
		fmt.Fprintln(writer, "Source\tTime (UTC)\tRate")
		for _, sh := range history {
			for _, sample := range sh.Samples {
				fmt.Fprintf(writer, "%s\t%s\t%s\n", sh.Source, sample.ObservedAt.UTC().Format(time.RFC3339), formatDecimal(sample.Rate, 4))
			}
		}
		return nil
	}

	latest, err := eng.svc.LatestPerSource(ctx)
	if err != nil {
		return err
	}
	if len(latest) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}
	fmt.Fprintf(writer, "Source\tRate (%s)\tTime (UTC)\n", a.Config.Pair.String())
	for i, sample := range latest {
		marker := ""
		if i == 0 {
			marker = " *"
		}
		fmt.Fprintf(writer, "%s%s\t%s\t%s\n", sample.Source, marker, formatDecimal(sample.Rate, 4), sample.ObservedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// Trends prints minute-bucketed samples as JSON.
func (a *App) Trends(ctx context.Context, source string, days int) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	trends, err := eng.svc.Trends(ctx, source, days)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(trends)
}

// Convert prints amount converted at the latest rate.
func (a *App) Convert(ctx context.Context, amount decimal.Decimal, source string) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	conv, err := eng.svc.Convert(ctx, amount, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s %s = %s %s (%s @ %s, %s)\n",
		formatDecimal(conv.Amount, 2), strings.ToUpper(a.Config.Pair.Base),
		formatDecimal(conv.Converted, 2), strings.ToUpper(a.Config.Pair.Quote),
		conv.Source, formatDecimal(conv.Rate, 4), conv.At.UTC().Format(time.RFC3339))
	return nil
}

// Alerts prints recent delivery audit records.
func (a *App) Alerts(ctx context.Context, limit int) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	records, err := eng.svc.RecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tFingerprint\tSource\tRate\tThreshold\tVolatility%\tOutcome")
	for _, rec := range records {
		threshold, volatility := "", ""
		if rec.Threshold.Valid {
			threshold = formatDecimal(rec.Threshold.Decimal, 4)
		}
		if rec.VolatilityPct.Valid {
			volatility = formatDecimal(rec.VolatilityPct.Decimal, 2)
		}
		rate := ""
		if !rec.Rate.IsZero() {
			rate = formatDecimal(rec.Rate, 4)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339), rec.Kind, rec.Fingerprint, rec.Source,
			rate, threshold, volatility, rec.Outcome)
	}
	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
