package fetcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Static always reports the same rate.
type Static struct {
	named
	value decimal.Decimal
}

// NewStatic constructs a fixed-value source from spec.Value.
func NewStatic(spec Spec, _ zerolog.Logger) (Source, error) {
	if !spec.Value.IsPositive() {
		return nil, fmt.Errorf("static source %s needs a positive value", spec.Name)
	}
	return &Static{named: named{name: spec.Name, timeout: spec.timeout()}, value: spec.Value}, nil
}

func (s *Static) Fetch(context.Context) (decimal.Decimal, error) {
	return s.value, nil
}
