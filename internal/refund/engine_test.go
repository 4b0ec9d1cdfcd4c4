package refund

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/money"
)

func TestProcessTradeRefundSuccess(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	result := h.engine.ProcessTradeRefund(context.Background(), trade, ReasonSellerDeclined)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", result.Outcome, result.Message)
	}
	if !result.AmountRefunded.Equal(usd("105")) {
		t.Fatalf("AmountRefunded = %s, want 105", result.AmountRefunded)
	}
	if !h.balance(t, trade.BuyerID).Equal(usd("105")) {
		t.Fatalf("buyer balance = %s, want 105", h.balance(t, trade.BuyerID))
	}

	refunds, err := h.store.ListRefundsByEntity(context.Background(), trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(refunds) != 1 || refunds[0].Status != StatusCompleted {
		t.Fatalf("expected one completed refund record, got %+v", refunds)
	}
	if !refunds[0].BalanceAfter.Sub(refunds[0].BalanceBefore).Equal(usd("105")) {
		t.Fatal("balance delta on the audit record does not match the refund")
	}
}

func TestProcessTradeRefundSecondCallIsDuplicate(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	first := h.engine.ProcessTradeRefund(context.Background(), trade, ReasonExpired)
	if first.Outcome != OutcomeSuccess {
		t.Fatalf("first outcome = %s, want success", first.Outcome)
	}

	second := h.engine.ProcessTradeRefund(context.Background(), trade, ReasonExpired)
	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("second outcome = %s, want duplicate", second.Outcome)
	}
	if !second.AmountRefunded.IsZero() {
		t.Fatalf("duplicate refunded %s, want 0", second.AmountRefunded)
	}
	if !h.balance(t, trade.BuyerID).Equal(usd("105")) {
		t.Fatalf("buyer balance = %s after duplicate, want 105", h.balance(t, trade.BuyerID))
	}
}

func TestProcessTradeRefundConcurrentAtMostOnce(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	const racers = 16
	var wg sync.WaitGroup
	results := make([]Result, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.engine.ProcessTradeRefund(context.Background(), trade, ReasonExpired)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			successes++
		case OutcomeDuplicate, OutcomeIneligible:
			// Ineligible is possible when a racer evaluates after the winner's
			// credit landed in the ledger. Either way, no second credit.
		default:
			t.Fatalf("unexpected outcome %s: %s", r.Outcome, r.Message)
		}
	}
	if successes != 1 {
		t.Fatalf("%d refunds succeeded, want exactly 1", successes)
	}
	if !h.balance(t, trade.BuyerID).Equal(usd("105")) {
		t.Fatalf("buyer balance = %s, want exactly 105", h.balance(t, trade.BuyerID))
	}
}

func TestProcessTradeRefundDifferentReasonsAreSeparateCycles(t *testing.T) {
	// A buyer cancellation followed by an expiry sweep targets different
	// cycles, but the second pass sees the first refund in the ledger and
	// comes back ineligible. Balance conservation is the invariant.
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	first := h.engine.ProcessTradeRefund(context.Background(), trade, ReasonBuyerCancelled)
	if first.Outcome != OutcomeSuccess {
		t.Fatalf("first outcome = %s, want success", first.Outcome)
	}
	second := h.engine.ProcessTradeRefund(context.Background(), trade, ReasonExpired)
	if second.Outcome != OutcomeIneligible {
		t.Fatalf("second outcome = %s, want ineligible", second.Outcome)
	}
	if !h.balance(t, trade.BuyerID).Equal(usd("105")) {
		t.Fatalf("buyer balance = %s, want 105", h.balance(t, trade.BuyerID))
	}
}

func TestProcessTradeRefundUnknownReasonFailsClosed(t *testing.T) {
	h := newHarness(t)
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	result := h.engine.ProcessTradeRefund(context.Background(), trade, Reason("mystery"))
	if result.Outcome != OutcomePolicyBlocked {
		t.Fatalf("outcome = %s, want policy_blocked", result.Outcome)
	}
	if !h.balance(t, trade.BuyerID).IsZero() {
		t.Fatal("unknown reason must not move money")
	}
	if h.notifier.count("unknown_reason") != 1 {
		t.Fatal("unknown reason must escalate to an admin")
	}
}

func TestProcessTradeRefundDisabledReasonEscalates(t *testing.T) {
	h := newHarness(t, string(ReasonBuyerCancelled))
	trade := testTrade(false)
	h.fundTrade(t, trade.ID, trade.BuyerID, usd("105"))

	result := h.engine.ProcessTradeRefund(context.Background(), trade, ReasonBuyerCancelled)
	if result.Outcome != OutcomePolicyBlocked {
		t.Fatalf("outcome = %s, want policy_blocked", result.Outcome)
	}
	if !h.balance(t, trade.BuyerID).IsZero() {
		t.Fatal("disabled reason must not move money")
	}
	if h.notifier.count("auto_refund_disabled") != 1 {
		t.Fatal("disabled reason must escalate to an admin")
	}

	// Other reasons still auto-refund.
	result = h.engine.ProcessTradeRefund(context.Background(), trade, ReasonAdminCancelled)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("admin cancel outcome = %s, want success", result.Outcome)
	}
}

func TestProcessExpiredIsolatesFailures(t *testing.T) {
	h := newHarness(t)

	funded := Trade{ID: "esc_a", BuyerID: "buyer_a", Amount: usd("50"), BuyerFee: decimal.Zero}
	unfunded := Trade{ID: "esc_b", BuyerID: "buyer_b", Amount: usd("70"), BuyerFee: decimal.Zero}
	h.fundTrade(t, funded.ID, funded.BuyerID, usd("50"))

	report := h.engine.ProcessExpired(context.Background(), []Trade{funded, unfunded})
	if report.Processed != 2 {
		t.Fatalf("Processed = %d, want 2", report.Processed)
	}
	if report.Succeeded != 1 || report.Skipped != 1 {
		t.Fatalf("Succeeded=%d Skipped=%d, want 1/1", report.Succeeded, report.Skipped)
	}
	if !h.balance(t, "buyer_a").Equal(usd("50")) {
		t.Fatal("funded trade's buyer was not refunded")
	}
	if !h.balance(t, "buyer_b").IsZero() {
		t.Fatal("unfunded trade's buyer must not be credited")
	}
}

func TestArchiveFailedKeepsRecentFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := &Refund{
		ID: "rf_old", EntityID: "esc_old", UserID: "u1",
		Amount: usd("10"), Currency: money.USD, Status: StatusFailed,
		CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	recent := &Refund{
		ID: "rf_recent", EntityID: "esc_recent", UserID: "u1",
		Amount: usd("10"), Currency: money.USD, Status: StatusFailed,
		CreatedAt: time.Now().UTC(),
	}
	for _, r := range []*Refund{old, recent} {
		if err := h.store.CreateRefund(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.engine.ArchiveFailed(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("archived %d records, want 1", n)
	}

	got, err := h.store.ListRefundsByEntity(ctx, "esc_recent")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusFailed {
		t.Fatal("recent failure must stay unarchived")
	}
}
