package rates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	rate  string
	err   error
	calls int
}

func (p *stubProvider) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	p.calls++
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return decimal.RequireFromString(p.rate), nil
}

func estimates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"btc": decimal.RequireFromString("50000"),
		"LTC": decimal.RequireFromString("80"),
	}
}

func TestGetRateIdentity(t *testing.T) {
	s := NewService(NewMemoryCache(), nil, nil, time.Minute, testLogger())

	rate, err := s.GetRate(context.Background(), "usd", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Value.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("identity rate = %s, want 1", rate.Value)
	}
}

func TestGetRateCacheFirst(t *testing.T) {
	cache := NewMemoryCache()
	provider := &stubProvider{rate: "61000"}
	s := NewService(cache, provider, estimates(), time.Minute, testLogger())

	if err := cache.Set(context.Background(), "BTC", "USD", decimal.RequireFromString("60000"), time.Minute); err != nil {
		t.Fatal(err)
	}

	rate, err := s.GetRate(context.Background(), "BTC", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if rate.Source != SourceCache {
		t.Fatalf("source = %s, want cache", rate.Source)
	}
	if !rate.Value.Equal(decimal.RequireFromString("60000")) {
		t.Fatalf("rate = %s, want the cached 60000", rate.Value)
	}
	if provider.calls != 0 {
		t.Fatal("cached hit must not reach the provider")
	}
}

func TestGetRateProviderPopulatesCache(t *testing.T) {
	cache := NewMemoryCache()
	provider := &stubProvider{rate: "61000"}
	s := NewService(cache, provider, estimates(), time.Minute, testLogger())

	rate, err := s.GetRate(context.Background(), "BTC", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if rate.Source != SourceProvider {
		t.Fatalf("source = %s, want provider", rate.Source)
	}

	v, ok, err := cache.Get(context.Background(), "BTC", "USD")
	if err != nil || !ok {
		t.Fatalf("provider result not written back to the cache: ok=%v err=%v", ok, err)
	}
	if !v.Equal(decimal.RequireFromString("61000")) {
		t.Fatalf("cached rate = %s, want 61000", v)
	}
}

func TestGetRateFallsBackToEstimate(t *testing.T) {
	provider := &stubProvider{err: errors.New("upstream down")}
	s := NewService(NewMemoryCache(), provider, estimates(), time.Minute, testLogger())

	rate, err := s.GetRate(context.Background(), "BTC", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Estimated() {
		t.Fatalf("source = %s, want estimate", rate.Source)
	}
	if !rate.Value.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("rate = %s, want the 50000 estimate", rate.Value)
	}
}

func TestGetRateEstimateKeysAreCaseInsensitive(t *testing.T) {
	// Estimates configured as "btc" must serve lookups for "BTC".
	s := NewService(NewMemoryCache(), nil, estimates(), time.Minute, testLogger())

	rate, err := s.GetRate(context.Background(), "btc", "usd")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Value.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("rate = %s, want 50000", rate.Value)
	}
}

func TestGetRateUnknownCurrency(t *testing.T) {
	s := NewService(NewMemoryCache(), nil, estimates(), time.Minute, testLogger())

	if _, err := s.GetRate(context.Background(), "DOGE", "USD"); !errors.Is(err, ErrNoRate) {
		t.Fatalf("err = %v, want ErrNoRate", err)
	}
	// Non-USD targets are never estimated.
	if _, err := s.GetRate(context.Background(), "BTC", "EUR"); !errors.Is(err, ErrNoRate) {
		t.Fatalf("err = %v, want ErrNoRate", err)
	}
}

func TestConvertToUSD(t *testing.T) {
	s := NewService(NewMemoryCache(), nil, estimates(), time.Minute, testLogger())

	usd, rate, err := s.ConvertToUSD(context.Background(), decimal.RequireFromString("0.5"), "LTC")
	if err != nil {
		t.Fatal(err)
	}
	if !usd.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("converted = %s, want 40", usd)
	}
	if !rate.Estimated() {
		t.Fatal("conversion without cache or provider must be flagged as estimated")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if err := cache.Set(ctx, "BTC", "USD", decimal.RequireFromString("60000"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cache.Get(ctx, "BTC", "USD"); !ok {
		t.Fatal("fresh entry must be served")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := cache.Get(ctx, "BTC", "USD"); ok {
		t.Fatal("expired entry must not be served")
	}
}
