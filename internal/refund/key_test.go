package refund

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestGenerateKeyDeterministic(t *testing.T) {
	amount := decimal.RequireFromString("105.00")

	k1 := GenerateKey("esc_1", "buyer_1", amount, ReasonSellerDeclined, "refund_engine")
	k2 := GenerateKey("esc_1", "buyer_1", amount, ReasonSellerDeclined, "refund_engine")
	if k1 != k2 {
		t.Fatalf("same inputs produced different keys: %s vs %s", k1, k2)
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}
}

func TestGenerateKeyAmountNormalization(t *testing.T) {
	// 105 and 105.00 are the same amount and must collide.
	a := GenerateKey("esc_1", "buyer_1", decimal.RequireFromString("105"), ReasonExpired, "refund_engine")
	b := GenerateKey("esc_1", "buyer_1", decimal.RequireFromString("105.00"), ReasonExpired, "refund_engine")
	if a != b {
		t.Fatal("equivalent decimal representations produced different keys")
	}
}

func TestGenerateKeyVariesByField(t *testing.T) {
	amount := decimal.RequireFromString("100")
	base := GenerateKey("esc_1", "buyer_1", amount, ReasonExpired, "refund_engine")

	variants := map[string]string{
		"entity": GenerateKey("esc_2", "buyer_1", amount, ReasonExpired, "refund_engine"),
		"user":   GenerateKey("esc_1", "buyer_2", amount, ReasonExpired, "refund_engine"),
		"amount": GenerateKey("esc_1", "buyer_1", decimal.RequireFromString("100.5"), ReasonExpired, "refund_engine"),
		"reason": GenerateKey("esc_1", "buyer_1", amount, ReasonAdminCancelled, "refund_engine"),
		"module": GenerateKey("esc_1", "buyer_1", amount, ReasonExpired, "orphan_reconciler"),
	}
	for field, key := range variants {
		if key == base {
			t.Errorf("changing %s did not change the key", field)
		}
	}
}

func TestCycleIDDeterministic(t *testing.T) {
	a := CycleID("esc_1", ReasonBuyerCancelled)
	b := CycleID("esc_1", ReasonBuyerCancelled)
	if a != b {
		t.Fatal("cycle ID is not deterministic")
	}
	if CycleID("esc_1", ReasonExpired) == a {
		t.Fatal("different reasons produced the same cycle ID")
	}
	if CycleID("esc_2", ReasonBuyerCancelled) == a {
		t.Fatal("different entities produced the same cycle ID")
	}
}
