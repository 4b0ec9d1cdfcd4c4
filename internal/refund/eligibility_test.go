package refund

import (
	"context"
	"testing"
	"time"

	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/money"
)

func TestEvaluateSellerDeclinedRefundsFee(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(true)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	v := h.calc.Evaluate(context.Background(), trade, ReasonSellerDeclined)
	if !v.Eligible {
		t.Fatalf("expected eligible, got: %s", v.Reason)
	}
	if !v.ShouldRefund.Equal(usd("105")) {
		t.Fatalf("ShouldRefund = %s, want 105", v.ShouldRefund)
	}
	if !v.FeeRefunded {
		t.Fatal("seller decline must refund the fee")
	}
}

func TestEvaluateBuyerCancelledAfterAcceptanceRetainsFee(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(true)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	v := h.calc.Evaluate(context.Background(), trade, ReasonBuyerCancelled)
	if !v.Eligible {
		t.Fatalf("expected eligible, got: %s", v.Reason)
	}
	if !v.ShouldRefund.Equal(usd("100")) {
		t.Fatalf("ShouldRefund = %s, want 100 (fee retained)", v.ShouldRefund)
	}
	if v.FeeRefunded {
		t.Fatal("fee must be retained after acceptance")
	}
}

func TestEvaluateBuyerCancelledBeforeAcceptanceRefundsFee(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	v := h.calc.Evaluate(context.Background(), trade, ReasonBuyerCancelled)
	if !v.ShouldRefund.Equal(usd("105")) {
		t.Fatalf("ShouldRefund = %s, want 105 (fee refunded before acceptance)", v.ShouldRefund)
	}
	if !v.FeeRefunded {
		t.Fatal("fee must be refunded when the seller never accepted")
	}
}

func TestEvaluateUnfundedTradeIneligible(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)

	v := h.calc.Evaluate(context.Background(), trade, ReasonExpired)
	if v.Eligible {
		t.Fatal("unfunded trade must be ineligible")
	}
	if !v.ShouldRefund.IsZero() {
		t.Fatalf("ShouldRefund = %s, want 0", v.ShouldRefund)
	}
}

func TestEvaluateAlreadyRefundedIneligible(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	// A completed refund already covers the full amount.
	if err := h.history.Record(context.Background(), &ledger.Transaction{
		ID:        idgen.WithPrefix("txn_"),
		UserID:    trade.BuyerID,
		Type:      ledger.TypeEscrowRefund,
		Amount:    usd("105"),
		Currency:  money.USD,
		Status:    ledger.StatusCompleted,
		RelatedID: trade.ID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	v := h.calc.Evaluate(context.Background(), trade, ReasonExpired)
	if v.Eligible {
		t.Fatalf("fully refunded trade must be ineligible, got ShouldRefund=%s", v.ShouldRefund)
	}
	if !v.ExistingRefunds.Equal(usd("105")) {
		t.Fatalf("ExistingRefunds = %s, want 105", v.ExistingRefunds)
	}
}

func TestEvaluatePartialRefundTopsUp(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	if err := h.history.Record(context.Background(), &ledger.Transaction{
		ID:        idgen.WithPrefix("txn_"),
		UserID:    trade.BuyerID,
		Type:      ledger.TypeRefund,
		Amount:    usd("40"),
		Currency:  money.USD,
		Status:    ledger.StatusCompleted,
		RelatedID: trade.ID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	v := h.calc.Evaluate(context.Background(), trade, ReasonExpired)
	if !v.Eligible {
		t.Fatalf("expected eligible, got: %s", v.Reason)
	}
	if !v.ShouldRefund.Equal(usd("65")) {
		t.Fatalf("ShouldRefund = %s, want 65", v.ShouldRefund)
	}
}

func TestEvaluateAggregateWinsOverFallbacks(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)

	// Both an aggregate and a raw deposit exist; the aggregate is
	// authoritative and must not be double-counted with the deposit.
	for _, tx := range []*ledger.Transaction{
		{
			ID: idgen.WithPrefix("txn_"), UserID: trade.BuyerID,
			Type: ledger.TypePaymentAggregate, Amount: usd("105"), Currency: money.USD,
			Status: ledger.StatusCompleted, RelatedID: trade.ID, CreatedAt: time.Now().UTC(),
		},
		{
			ID: idgen.WithPrefix("txn_"), UserID: trade.BuyerID,
			Type: ledger.TypeDeposit, Amount: usd("50"), Currency: money.USD,
			Status: ledger.StatusCompleted, RelatedID: trade.ID, CreatedAt: time.Now().UTC(),
		},
	} {
		if err := h.history.Record(context.Background(), tx); err != nil {
			t.Fatal(err)
		}
	}

	v := h.calc.Evaluate(context.Background(), trade, ReasonExpired)
	if !v.Funding.Equal(usd("105")) {
		t.Fatalf("Funding = %s, want 105 from the aggregate record", v.Funding)
	}
}

func TestEvaluateRefundLikeDepositExcludedFromFunding(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)

	// Legacy data: a refund recorded as a deposit-type row. It must count as
	// an existing refund, not as funding.
	if err := h.history.Record(context.Background(), &ledger.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      trade.BuyerID,
		Type:        ledger.TypeDeposit,
		Amount:      usd("105"),
		Currency:    money.USD,
		Status:      ledger.StatusCompleted,
		Description: "Refund for cancelled trade",
		RelatedID:   trade.ID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	v := h.calc.Evaluate(context.Background(), trade, ReasonExpired)
	if v.Eligible {
		t.Fatal("trade whose only related row is a refund must be ineligible")
	}
	if !v.Funding.IsZero() {
		t.Fatalf("Funding = %s, want 0", v.Funding)
	}
}

func TestEvaluateCryptoFundingConverted(t *testing.T) {
	h := newHarness(t)
	trade := Trade{ID: "esc_btc", BuyerID: "buyer_2", Amount: usd("600"), BuyerFee: usd("0")}

	if err := h.history.Record(context.Background(), &ledger.Transaction{
		ID:        idgen.WithPrefix("txn_"),
		UserID:    trade.BuyerID,
		Type:      ledger.TypeDeposit,
		Amount:    usd("0.01"),
		Currency:  "BTC",
		Status:    ledger.StatusCompleted,
		RelatedID: trade.ID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	v := h.calc.Evaluate(context.Background(), trade, ReasonExpired)
	if !v.Eligible {
		t.Fatalf("expected eligible, got: %s", v.Reason)
	}
	// 0.01 BTC at the 60000 test rate.
	if !v.Funding.Equal(usd("600")) {
		t.Fatalf("Funding = %s, want 600", v.Funding)
	}
}
