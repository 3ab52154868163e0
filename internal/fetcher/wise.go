package fetcher

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Wise scrapes the Wise currency converter page.
type Wise struct {
	httpSource
	patterns []*regexp.Regexp
}

// NewWise constructs a Wise source.
func NewWise(spec Spec, logger zerolog.Logger) (Source, error) {
	h := newHTTPSource(spec, "https://wise.com", logger)
	return &Wise{
		httpSource: h,
		patterns: []*regexp.Regexp{
			pairPattern(h.base, h.quote),
			// table layout: >1 SGD< ... >3.40 MYR<
			regexp.MustCompile(`(?is)>\s*1\s*` + regexp.QuoteMeta(h.base) + `\s*<.*?>\s*(\d+\.?\d*)\s*` + regexp.QuoteMeta(h.quote) + `\s*<`),
		},
	}, nil
}

func (s *Wise) Fetch(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/gb/currency-converter/%s-to-%s-rate?amount=1", s.baseURL, strings.ToLower(s.base), strings.ToLower(s.quote))
	body, err := s.get(ctx, url, "text/html")
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, ok := firstMatch(string(body), s.band, s.patterns...)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no rate on wise page", ErrNoValue)
	}
	return rate, nil
}
