package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	maxBodyBytes     = 4 << 20
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// httpSource is the shared plumbing of every HTTP scraping source.
type httpSource struct {
	named
	baseURL   string
	userAgent string
	base      string
	quote     string
	band      band
	client    *http.Client
	logger    zerolog.Logger
}

func newHTTPSource(spec Spec, defaultBase string, logger zerolog.Logger) httpSource {
	baseURL := strings.TrimRight(spec.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	ua := strings.TrimSpace(spec.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	baseCcy, quoteCcy := strings.ToUpper(spec.Base), strings.ToUpper(spec.Quote)
	if baseCcy == "" {
		baseCcy = "SGD"
	}
	if quoteCcy == "" {
		quoteCcy = "MYR"
	}
	timeout := spec.timeout()

	return httpSource{
		named:     named{name: spec.Name, timeout: timeout},
		baseURL:   baseURL,
		userAgent: ua,
		base:      baseCcy,
		quote:     quoteCcy,
		band:      band{min: spec.MinRate, max: spec.MaxRate},
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "source").Str("source", spec.Name).Logger(),
	}
}

func (h httpSource) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrNoValue, resp.StatusCode)
	}
	return body, nil
}

// band is an optional exclusive plausibility range. Zero bounds are open.
type band struct {
	min decimal.Decimal
	max decimal.Decimal
}

func (b band) accepts(rate decimal.Decimal) bool {
	if !b.min.IsZero() && rate.LessThanOrEqual(b.min) {
		return false
	}
	if !b.max.IsZero() && rate.GreaterThanOrEqual(b.max) {
		return false
	}
	return true
}

// firstMatch returns the first capture of the first pattern yielding a usable rate.
func firstMatch(text string, b band, patterns ...*regexp.Regexp) (decimal.Decimal, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		rate, err := positiveRate(m[1])
		if err != nil || !b.accepts(rate) {
			continue
		}
		return rate, true
	}
	return decimal.Decimal{}, false
}

func positiveRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: parse %q: %v", ErrNoValue, raw, err)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive rate %s", ErrNoValue, rate)
	}
	return rate, nil
}

// pairPattern builds `1 BASE = X QUOTE`.
func pairPattern(base, quote string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)1\s*` + regexp.QuoteMeta(base) + `\s*=\s*(\d+\.?\d*)\s*` + regexp.QuoteMeta(quote))
}
