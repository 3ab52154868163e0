package fetcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ExchangeRateAPI is the aggregate mid-market source used as the fallback.
type ExchangeRateAPI struct {
	httpSource
}

// NewExchangeRateAPI constructs the exchangerate-api.com source.
func NewExchangeRateAPI(spec Spec, logger zerolog.Logger) (Source, error) {
	return &ExchangeRateAPI{httpSource: newHTTPSource(spec, "https://api.exchangerate-api.com", logger)}, nil
}

// Fetch reads rates.{QUOTE} from the latest table of the base currency.
func (s *ExchangeRateAPI) Fetch(ctx context.Context) (decimal.Decimal, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/v4/latest/%s", s.baseURL, s.base), "application/json")
	if err != nil {
		return decimal.Decimal{}, err
	}

	var res struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode exchangerate response: %v", ErrNoValue, err)
	}
	rate, ok := res.Rates[s.quote]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: no usable %s rate", ErrNoValue, s.quote)
	}
	return rate, nil
}
