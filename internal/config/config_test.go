package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseRateEstimatesMergesOverDefaults(t *testing.T) {
	out, err := parseRateEstimates("btc:70000, XMR:150")
	if err != nil {
		t.Fatal(err)
	}
	if !out["BTC"].Equal(decimal.RequireFromString("70000")) {
		t.Fatalf("BTC = %s, want the override 70000", out["BTC"])
	}
	if !out["XMR"].Equal(decimal.RequireFromString("150")) {
		t.Fatalf("XMR = %s, want 150", out["XMR"])
	}
	// Untouched defaults survive the merge.
	if !out["LTC"].Equal(decimal.RequireFromString("80")) {
		t.Fatalf("LTC = %s, want the default 80", out["LTC"])
	}
}

func TestParseRateEstimatesRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"BTC", "BTC:", "BTC:abc", "BTC:-1", "BTC:0"} {
		if _, err := parseRateEstimates(raw); err == nil {
			t.Errorf("parseRateEstimates(%q) accepted bad input", raw)
		}
	}
}

func TestValidateProductionRequiresAdminSecret(t *testing.T) {
	cfg := &Config{Env: "production", OrphanTimeout: time.Minute}
	if err := cfg.Validate(); err == nil {
		t.Fatal("production without ADMIN_SECRET must fail validation")
	}

	cfg.AdminSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid production config rejected: %v", err)
	}
}

func TestValidateOrphanTimeout(t *testing.T) {
	cfg := &Config{Env: "development"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero orphan timeout must fail validation")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" buyer_cancelled , ,expired")
	if len(got) != 2 || got[0] != "buyer_cancelled" || got[1] != "expired" {
		t.Fatalf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Fatal("empty input must yield nil")
	}
}
