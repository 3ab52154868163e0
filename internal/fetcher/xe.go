package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var currencyNames = map[string]string{
	"MYR": "Malaysian Ringgit",
	"SGD": "Singapore Dollar",
	"USD": "US Dollar",
	"EUR": "Euro",
}

// XE scrapes the XE converter page. Every match must fall inside the band.
type XE struct {
	httpSource
	patterns []*regexp.Regexp
}

// NewXE constructs an XE source.
func NewXE(spec Spec, logger zerolog.Logger) (Source, error) {
	h := newHTTPSource(spec, "https://www.xe.com", logger)

	patterns := make([]*regexp.Regexp, 0, 3)
	if name, ok := currencyNames[h.quote]; ok {
		words := strings.Fields(name)
		for i := range words {
			words[i] = regexp.QuoteMeta(words[i])
		}
		patterns = append(patterns, regexp.MustCompile(`(?i)(\d+\.\d{2,})\s*`+strings.Join(words, `\s*`)))
	}
	patterns = append(patterns,
		regexp.MustCompile(`(?i)class="[^"]*fxrate[^"]*"[^>]*>(\d+\.\d+)`),
		pairPattern(h.base, h.quote),
	)

	return &XE{httpSource: h, patterns: patterns}, nil
}

func (s *XE) Fetch(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("Amount", "1")
	q.Set("From", s.base)
	q.Set("To", s.quote)

	body, err := s.get(ctx, s.baseURL+"/currencyconverter/convert/?"+q.Encode(), "text/html")
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, ok := firstMatch(string(body), s.band, s.patterns...)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no plausible rate on xe page", ErrNoValue)
	}
	return rate, nil
}
