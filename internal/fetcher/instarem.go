package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Instarem reads the rate from Instarem's public convert-rate API.
type Instarem struct {
	httpSource
}

// NewInstarem constructs an Instarem source.
func NewInstarem(spec Spec, logger zerolog.Logger) (Source, error) {
	return &Instarem{httpSource: newHTTPSource(spec, "https://www.instarem.com", logger)}, nil
}

type instaremResponse struct {
	Status json.RawMessage            `json:"status"`
	Data   map[string]decimal.Decimal `json:"data"`
}

// Fetch retrieves data.{QUOTE} when the response reports success.
func (s *Instarem) Fetch(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/wp-json/instarem/v2/convert-rate/%s/", s.baseURL, strings.ToLower(s.base))
	body, err := s.get(ctx, url, "application/json")
	if err != nil {
		return decimal.Decimal{}, err
	}

	var res instaremResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode instarem response: %v", ErrNoValue, err)
	}
	if !truthy(res.Status) {
		return decimal.Decimal{}, fmt.Errorf("%w: instarem status %s", ErrNoValue, string(res.Status))
	}
	rate, ok := res.Data[s.quote]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: instarem data has no %s", ErrNoValue, s.quote)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive rate %s", ErrNoValue, rate)
	}
	return rate, nil
}

func truthy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}
