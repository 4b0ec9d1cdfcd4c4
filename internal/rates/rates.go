// Package rates provides cache-first exchange-rate lookups for refund sizing.
//
// Lookup order:
//  1. Cache (Redis in production, in-memory otherwise)
//  2. Live provider, if configured (result is written back to the cache)
//  3. Conservative estimate table from configuration
//
// A missing cached rate is a recoverable condition, not a fatal error: refund
// sizing proceeds on the estimate with an explicit warning so the operator
// knows the amount is approximate.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/metrics"
	"github.com/tradeshield/tradeshield/internal/retry"
)

// ErrNoRate is returned when no cached, live, or estimated rate exists.
var ErrNoRate = errors.New("no exchange rate available")

// Source identifies where a rate came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceProvider Source = "provider"
	SourceEstimate Source = "estimate"
)

// Rate is a conversion rate with provenance.
type Rate struct {
	From   string
	To     string
	Value  decimal.Decimal
	Source Source
	AsOf   time.Time
}

// Estimated reports whether the rate came from the fallback table.
func (r Rate) Estimated() bool { return r.Source == SourceEstimate }

// Cache stores rates with a TTL.
type Cache interface {
	Get(ctx context.Context, from, to string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error
}

// Provider fetches live rates from an external source.
type Provider interface {
	Fetch(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Service serves exchange rates for the refund and orphan-reconciliation paths.
type Service struct {
	cache     Cache
	provider  Provider // nil if no live source configured
	estimates map[string]decimal.Decimal
	ttl       time.Duration
	logger    *slog.Logger
}

// NewService creates a rate service. provider may be nil.
func NewService(cache Cache, provider Provider, estimates map[string]decimal.Decimal, ttl time.Duration, logger *slog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	est := make(map[string]decimal.Decimal, len(estimates))
	for code, v := range estimates {
		est[strings.ToUpper(code)] = v
	}
	return &Service{
		cache:     cache,
		provider:  provider,
		estimates: est,
		ttl:       ttl,
		logger:    logger,
	}
}

// GetRate returns the conversion rate from one currency to another.
// Identity conversions return 1 without touching the cache.
func (s *Service) GetRate(ctx context.Context, from, to string) (Rate, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	if from == to {
		return Rate{From: from, To: to, Value: decimal.NewFromInt(1), Source: SourceCache, AsOf: time.Now().UTC()}, nil
	}

	if v, ok, err := s.cache.Get(ctx, from, to); err != nil {
		s.logger.Warn("rate cache lookup failed", "from", from, "to", to, "error", err)
	} else if ok {
		return Rate{From: from, To: to, Value: v, Source: SourceCache, AsOf: time.Now().UTC()}, nil
	}

	if s.provider != nil {
		var v decimal.Decimal
		err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			var ferr error
			v, ferr = s.provider.Fetch(ctx, from, to)
			return ferr
		})
		if err == nil {
			if cerr := s.cache.Set(ctx, from, to, v, s.ttl); cerr != nil {
				s.logger.Warn("rate cache write failed", "from", from, "to", to, "error", cerr)
			}
			return Rate{From: from, To: to, Value: v, Source: SourceProvider, AsOf: time.Now().UTC()}, nil
		}
		s.logger.Warn("live rate fetch failed, falling back to estimate", "from", from, "to", to, "error", err)
	}

	return s.estimate(from, to)
}

// ConvertToUSD converts an amount in the given currency to USD.
func (s *Service) ConvertToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, Rate, error) {
	rate, err := s.GetRate(ctx, currency, "USD")
	if err != nil {
		return decimal.Zero, Rate{}, err
	}
	return amount.Mul(rate.Value), rate, nil
}

// estimate serves from the fallback table. Only crypto→USD estimates are
// maintained; anything else is unresolvable.
func (s *Service) estimate(from, to string) (Rate, error) {
	if to != "USD" {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrNoRate, from, to)
	}
	v, ok := s.estimates[from]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrNoRate, from, to)
	}
	metrics.RateEstimateFallbacks.WithLabelValues(from).Inc()
	s.logger.Warn("using estimated exchange rate", "from", from, "to", to, "rate", v.String())
	return Rate{From: from, To: to, Value: v, Source: SourceEstimate, AsOf: time.Now().UTC()}, nil
}
