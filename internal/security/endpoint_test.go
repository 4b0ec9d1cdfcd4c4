package security

import (
	"errors"
	"testing"
)

func TestValidateOutboundURLBlocksInternalTargets(t *testing.T) {
	blocked := []string{
		"http://localhost:8080/rates",
		"http://127.0.0.1/rates",
		"http://10.0.0.5/rates",
		"http://192.168.1.1/rates",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://0.0.0.0/",
		"ftp://rates.example.com/feed",
		"not a url at all ://",
		"https://",
	}
	for _, raw := range blocked {
		if err := ValidateOutboundURL(raw, false); err == nil {
			t.Errorf("ValidateOutboundURL(%q) = nil, want error", raw)
		}
	}
}

func TestValidateOutboundURLBlockedAddressSentinel(t *testing.T) {
	err := ValidateOutboundURL("http://10.0.0.5/rates", false)
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("err = %v, want ErrBlockedAddress", err)
	}
}

func TestValidateOutboundURLAllowsLoopbackInDevelopment(t *testing.T) {
	for _, raw := range []string{"http://localhost:8080/rates", "http://127.0.0.1:9999/rates"} {
		if err := ValidateOutboundURL(raw, true); err != nil {
			t.Errorf("ValidateOutboundURL(%q, allowLoopback) = %v, want nil", raw, err)
		}
	}
	// Private ranges stay blocked even in development.
	if err := ValidateOutboundURL("http://10.0.0.5/rates", true); err == nil {
		t.Error("private address must stay blocked regardless of loopback setting")
	}
}
