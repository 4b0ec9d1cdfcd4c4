package refund

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/rates"
)

// Trade carries the refund-relevant view of a trade entity (escrow or
// cashout). AcceptedAt is the durable acceptance timestamp, not the current
// status: status can move on after acceptance (active → cancelled), but
// acceptance history still governs fee policy.
type Trade struct {
	ID         string
	BuyerID    string
	Amount     decimal.Decimal // principal in USD
	BuyerFee   decimal.Decimal // buyer-side platform fee in USD
	AcceptedAt *time.Time
}

// Verdict is the eligibility calculator's output contract.
type Verdict struct {
	Eligible        bool            `json:"eligible"`
	Reason          string          `json:"reason"`
	Funding         decimal.Decimal `json:"fundingAmount"`
	ExistingRefunds decimal.Decimal `json:"existingRefunds"`
	ShouldRefund    decimal.Decimal `json:"shouldRefund"`
	FeeRefunded     bool            `json:"feeRefunded"`
}

// RateConverter converts non-USD transaction amounts for refund sizing.
type RateConverter interface {
	ConvertToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, rates.Rate, error)
}

// Calculator decides whether a trade is owed a refund and how much.
//
// It re-derives funding totals from the transaction log on every call
// instead of maintaining a running balance. That is deliberate: the
// append-only log is the source of truth, and a cached total would
// reintroduce the drift bugs this design exists to avoid.
type Calculator struct {
	history ledger.Store
	rates   RateConverter
	logger  *slog.Logger
}

// NewCalculator creates an eligibility calculator.
func NewCalculator(history ledger.Store, conv RateConverter, logger *slog.Logger) *Calculator {
	return &Calculator{history: history, rates: conv, logger: logger}
}

// Evaluate computes the eligibility verdict for a trade and cancellation
// reason. It never panics or propagates errors past its boundary: any
// failure yields an ineligible verdict carrying the error text, because the
// caller is always a larger decision flow that needs a verdict either way.
func (c *Calculator) Evaluate(ctx context.Context, trade Trade, reason Reason) Verdict {
	verdict, err := c.evaluate(ctx, trade, reason)
	if err != nil {
		c.logger.Error("eligibility calculation failed",
			"entity", trade.ID, "beneficiary", trade.BuyerID, "error", err)
		return Verdict{Eligible: false, Reason: err.Error()}
	}
	return verdict
}

func (c *Calculator) evaluate(ctx context.Context, trade Trade, reason Reason) (Verdict, error) {
	txs, err := c.history.ListByRelated(ctx, trade.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load transaction history: %w", err)
	}

	funding, err := c.resolveFunding(ctx, txs)
	if err != nil {
		return Verdict{}, err
	}
	if funding.IsZero() {
		return Verdict{
			Eligible: false,
			Reason:   "trade was never funded",
			Funding:  funding,
		}, nil
	}

	existing, err := c.resolveExistingRefunds(ctx, txs, trade.BuyerID)
	if err != nil {
		return Verdict{}, err
	}

	feeRefunded := refundsFee(reason, trade)
	target := trade.Amount
	if feeRefunded {
		target = target.Add(trade.BuyerFee)
	}

	owed := target.Sub(existing)
	if owed.Cmp(money.Epsilon) <= 0 {
		return Verdict{
			Eligible:        false,
			Reason:          fmt.Sprintf("already fully refunded (%s of %s)", money.FormatUSD(existing), money.FormatUSD(target)),
			Funding:         funding,
			ExistingRefunds: existing,
			FeeRefunded:     feeRefunded,
		}, nil
	}

	return Verdict{
		Eligible:        true,
		Reason:          "refund owed",
		Funding:         funding,
		ExistingRefunds: existing,
		ShouldRefund:    owed,
		FeeRefunded:     feeRefunded,
	}, nil
}

// resolveFunding determines how much was actually paid in against the trade.
// An authoritative aggregate payment record wins outright; otherwise the
// fallback chain sums direct crypto deposits, then escrow payments, then
// legacy debits, stopping at the first non-zero total.
func (c *Calculator) resolveFunding(ctx context.Context, txs []*ledger.Transaction) (decimal.Decimal, error) {
	if agg := findAggregate(txs); agg != nil {
		return c.toUSD(ctx, agg.Amount.Abs(), agg.Currency)
	}

	fallbacks := [][]ledger.Type{
		{ledger.TypeDeposit},
		{ledger.TypeEscrowPayment},
		{ledger.TypeDebit, ledger.TypeCashout},
	}
	for _, types := range fallbacks {
		total, err := c.sumCompleted(ctx, txs, types)
		if err != nil {
			return decimal.Zero, err
		}
		if !total.IsZero() {
			return total, nil
		}
	}
	return decimal.Zero, nil
}

// resolveExistingRefunds sums refunds already issued against the trade to
// this beneficiary. Only refund-marked transactions count; an unrelated
// deposit against the same entity must not suppress a legitimate refund.
func (c *Calculator) resolveExistingRefunds(ctx context.Context, txs []*ledger.Transaction, beneficiaryID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range txs {
		if t.Status != ledger.StatusCompleted || t.UserID != beneficiaryID {
			continue
		}
		if !t.IsRefundLike() || !t.Amount.IsPositive() {
			continue
		}
		usd, err := c.toUSD(ctx, t.Amount, t.Currency)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(usd)
	}
	return total, nil
}

func (c *Calculator) sumCompleted(ctx context.Context, txs []*ledger.Transaction, types []ledger.Type) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range txs {
		if t.Status != ledger.StatusCompleted || !matchesType(t.Type, types) {
			continue
		}
		// Refund credits share types with funding records in legacy data;
		// they are payouts, not payments in.
		if t.IsRefundLike() {
			continue
		}
		usd, err := c.toUSD(ctx, t.Amount.Abs(), t.Currency)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(usd)
	}
	return total, nil
}

func (c *Calculator) toUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if currency == money.USD || currency == "" {
		return amount, nil
	}
	usd, rate, err := c.rates.ConvertToUSD(ctx, amount, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s %s to USD: %w", amount, currency, err)
	}
	if rate.Estimated() {
		c.logger.Warn("refund sizing used an estimated exchange rate",
			"currency", currency, "rate", rate.Value.String())
	}
	return usd, nil
}

// refundsFee applies the fee-retention policy. Reasons that always refund
// the fee do so regardless of acceptance; buyer cancellation refunds the fee
// only if the counterpart never accepted.
func refundsFee(reason Reason, trade Trade) bool {
	if reason.AlwaysRefundsFee() {
		return true
	}
	return trade.AcceptedAt == nil
}

func findAggregate(txs []*ledger.Transaction) *ledger.Transaction {
	for _, t := range txs {
		if t.Type == ledger.TypePaymentAggregate && t.Status == ledger.StatusCompleted {
			return t
		}
	}
	return nil
}

func matchesType(t ledger.Type, types []ledger.Type) bool {
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
