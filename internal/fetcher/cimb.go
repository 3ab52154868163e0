package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CIMB scrapes the CIMB Clicks remittance page.
type CIMB struct {
	httpSource
	fallbacks []*regexp.Regexp
}

// NewCIMB constructs a CIMB source.
func NewCIMB(spec Spec, logger zerolog.Logger) (Source, error) {
	h := newHTTPSource(spec, "https://www.cimbclicks.com.sg", logger)
	return &CIMB{
		httpSource: h,
		fallbacks: []*regexp.Regexp{
			regexp.MustCompile(`(?i)` + regexp.QuoteMeta(h.base) + `\s*1\.00\s*=\s*` + regexp.QuoteMeta(h.quote) + `\s*(\d+\.?\d*)`),
			regexp.MustCompile(`(\d+\.\d{4})`),
		},
	}, nil
}

func (s *CIMB) Fetch(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s-to-%s", s.baseURL, strings.ToLower(s.base), strings.ToLower(s.quote))
	body, err := s.get(ctx, url, "text/html")
	if err != nil {
		return decimal.Decimal{}, err
	}

	if rate, ok := s.fromRateList(body); ok {
		return rate, nil
	}
	if rate, ok := firstMatch(string(body), s.band, s.fallbacks...); ok {
		return rate, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: no rate on cimb page", ErrNoValue)
}

// fromRateList reads the hidden rateList input, whose value looks like "[3.1107]".
func (s *CIMB) fromRateList(body []byte) (decimal.Decimal, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		s.logger.Debug().Err(err).Msg("parse cimb html")
		return decimal.Decimal{}, false
	}

	value, ok := doc.Find(`input#rateList, input[name="rateList"]`).First().Attr("value")
	if !ok {
		return decimal.Decimal{}, false
	}
	value = strings.Trim(strings.TrimSpace(value), "[]")
	first, _, _ := strings.Cut(value, ",")

	rate, err := positiveRate(strings.Trim(first, `" `))
	if err != nil || !s.band.accepts(rate) {
		return decimal.Decimal{}, false
	}
	return rate, true
}
