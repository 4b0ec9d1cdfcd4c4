// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional, rate cache falls back to in-memory if not set

	// Refund policy
	OrphanTimeout      time.Duration // how long a cashout may sit in an orphanable status
	OrphanSweepEvery   time.Duration // interval between orphan cleanup cycles
	EscrowSweepEvery   time.Duration // interval between expired-escrow refund sweeps
	FailedRetention    time.Duration // failed refund records older than this get archived
	AutoRefundDisabled []string      // cancellation reasons that must escalate to an operator

	// Exchange rates
	RateProviderURL string                     // live rate source (optional)
	RateCacheTTL    time.Duration              // how long cached rates stay fresh
	RateEstimates   map[string]decimal.Decimal // conservative fallback rates, crypto code -> USD

	// Payouts
	StripeKey string // fiat payout rails (optional)

	// Security
	AdminSecret string // shared secret for admin endpoints

	// Observability
	OTLPEndpoint string
}

// Defaults.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultOrphanTimeout    = 10 * time.Minute
	DefaultOrphanSweepEvery = 3 * time.Minute
	DefaultEscrowSweepEvery = time.Minute
	DefaultFailedRetention  = 30 * 24 * time.Hour
	DefaultRateCacheTTL     = 5 * time.Minute
)

// defaultRateEstimates are deliberately conservative placeholders used only
// when neither the cache nor the live provider has a rate. Operators override
// them via RATE_ESTIMATES.
var defaultRateEstimates = map[string]string{
	"BTC":  "60000",
	"ETH":  "2500",
	"LTC":  "80",
	"USDT": "1",
	"USDC": "1",
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		OrphanTimeout:      getEnvDuration("ORPHAN_TIMEOUT", DefaultOrphanTimeout),
		OrphanSweepEvery:   getEnvDuration("ORPHAN_SWEEP_INTERVAL", DefaultOrphanSweepEvery),
		EscrowSweepEvery:   getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultEscrowSweepEvery),
		FailedRetention:    getEnvDuration("FAILED_REFUND_RETENTION", DefaultFailedRetention),
		AutoRefundDisabled: splitList(os.Getenv("AUTO_REFUND_DISABLED_REASONS")),
		RateProviderURL:    os.Getenv("RATE_PROVIDER_URL"),
		RateCacheTTL:       getEnvDuration("RATE_CACHE_TTL", DefaultRateCacheTTL),
		StripeKey:          os.Getenv("STRIPE_SECRET_KEY"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	estimates, err := parseRateEstimates(os.Getenv("RATE_ESTIMATES"))
	if err != nil {
		return nil, err
	}
	cfg.RateEstimates = estimates

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.OrphanTimeout <= 0 {
		return fmt.Errorf("ORPHAN_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseRateEstimates parses "BTC:60000,LTC:80" into a rate table, merged
// over the built-in defaults.
func parseRateEstimates(raw string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(defaultRateEstimates))
	for code, v := range defaultRateEstimates {
		out[code] = decimal.RequireFromString(v)
	}
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("RATE_ESTIMATES entry %q must be CODE:RATE", pair)
		}
		rate, err := decimal.NewFromString(parts[1])
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("RATE_ESTIMATES entry %q has invalid rate", pair)
		}
		out[strings.ToUpper(parts[0])] = rate
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
