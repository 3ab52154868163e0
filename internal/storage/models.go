package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ThresholdType selects the crossing direction of a threshold alert.
type ThresholdType string

const (
	ThresholdAbove ThresholdType = "above"
	ThresholdBelow ThresholdType = "below"
)

// ParseThresholdType normalises user input; anything unrecognised means above.
func ParseThresholdType(v string) ThresholdType {
	if strings.EqualFold(strings.TrimSpace(v), string(ThresholdBelow)) {
		return ThresholdBelow
	}
	return ThresholdAbove
}

// RateSample is one persisted observation of one source. Immutable once written.
type RateSample struct {
	Source     string
	Rate       decimal.Decimal
	ObservedAt time.Time
}

// RateRange is the min/max of one source over a window.
type RateRange struct {
	Source string
	Min    decimal.Decimal
	Max    decimal.Decimal
	Count  int
}

// Subscription is a push endpoint together with its armed conditions.
type Subscription struct {
	Endpoint        string
	Keys            json.RawMessage
	Threshold       *decimal.Decimal
	ThresholdType   ThresholdType
	VolatilityAlert bool
	GoneAt          *time.Time
	CreatedAt       time.Time
}

// Armed reports whether the one-time threshold condition is eligible to fire.
func (s Subscription) Armed() bool {
	return s.Threshold != nil && s.GoneAt == nil
}

// SubscriptionStatus is what callers see for an endpoint, known or not.
type SubscriptionStatus struct {
	Found            bool
	Threshold        *decimal.Decimal
	ThresholdType    ThresholdType
	VolatilityAlert  bool
	ThresholdEnabled bool
	Gone             bool
}

// StatusOf maps a stored subscription onto its status view.
func StatusOf(sub Subscription, found bool) SubscriptionStatus {
	if !found {
		return SubscriptionStatus{ThresholdType: ThresholdAbove}
	}
	return SubscriptionStatus{
		Found:            true,
		Threshold:        sub.Threshold,
		ThresholdType:    sub.ThresholdType,
		VolatilityAlert:  sub.VolatilityAlert,
		ThresholdEnabled: sub.Threshold != nil,
		Gone:             sub.GoneAt != nil,
	}
}

// AlertKind classifies audit records.
type AlertKind string

const (
	AlertThreshold  AlertKind = "threshold"
	AlertVolatility AlertKind = "volatility"
	AlertTest       AlertKind = "test"
)

// AlertRecord captures one delivery attempt for auditing.
type AlertRecord struct {
	ID            int64
	Kind          AlertKind
	Fingerprint   string
	Source        string
	Rate          decimal.Decimal
	Threshold     decimal.NullDecimal
	VolatilityPct decimal.NullDecimal
	Outcome       string
	CreatedAt     time.Time
}
