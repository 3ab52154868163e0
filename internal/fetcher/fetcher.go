package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds a source that does not configure its own.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNoValue is the typed outcome of any failed fetch.
	ErrNoValue = errors.New("fetcher: no value")
	// ErrAllSourcesFailed means neither the primaries nor the fallback produced a rate.
	ErrAllSourcesFailed = errors.New("fetcher: all sources failed")
)

// Source obtains one rate sample from one external provider.
type Source interface {
	Name() string
	Timeout() time.Duration
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// SourceError attributes a failed fetch to its source. It always matches ErrNoValue.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrNoValue, e.Err}
}

// Spec describes one source instance to build.
type Spec struct {
	Name      string
	Kind      string
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Base      string
	Quote     string
	MinRate   decimal.Decimal
	MaxRate   decimal.Decimal
	RPCURL    string
	BaseFeed  string
	QuoteFeed string
	Value     decimal.Decimal
}

func (s Spec) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Factory builds a Source of one kind.
type Factory func(spec Spec, logger zerolog.Logger) (Source, error)

// Registry maps source kinds to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("instarem", NewInstarem)
	r.Register("wise", NewWise)
	r.Register("cimb", NewCIMB)
	r.Register("xe", NewXE)
	r.Register("exchangerate_api", NewExchangeRateAPI)
	r.Register("chainlink", NewChainlink)
	r.Register("static", NewStatic)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(kind)] = f
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the source described by spec.
func (r *Registry) Build(spec Spec, logger zerolog.Logger) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(spec.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q", spec.Kind)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("source of kind %q has no name", spec.Kind)
	}
	src, err := f(spec, logger)
	if err != nil {
		return nil, fmt.Errorf("build source %s: %w", spec.Name, err)
	}
	return src, nil
}

// named carries the identity shared by every source.
type named struct {
	name    string
	timeout time.Duration
}

func (n named) Name() string           { return n.name }
func (n named) Timeout() time.Duration { return n.timeout }
