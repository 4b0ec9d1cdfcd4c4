package refund

import (
	"fmt"

	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/shopspring/decimal"
)

// Reason is a closed set of cancellation reasons. Fee-retention policy and
// ledger descriptions dispatch on it exhaustively; unknown reasons fail
// closed at the engine boundary.
type Reason string

const (
	// ReasonBuyerCancelled: buyer backed out. The platform fee is refunded
	// only if the seller had not yet accepted the trade.
	ReasonBuyerCancelled Reason = "buyer_cancelled"
	// ReasonSellerDeclined: seller rejected the trade. Full refund.
	ReasonSellerDeclined Reason = "seller_declined"
	// ReasonAdminCancelled: operator voided the trade. Full refund.
	ReasonAdminCancelled Reason = "admin_cancelled"
	// ReasonExpired: trade timed out before completion. Full refund.
	ReasonExpired Reason = "expired"
	// ReasonOrphanCleanup: compensating credit for a cashout stuck mid-flow.
	ReasonOrphanCleanup Reason = "orphan_cleanup"
)

// ParseReason validates a raw reason string.
func ParseReason(s string) (Reason, error) {
	switch Reason(s) {
	case ReasonBuyerCancelled, ReasonSellerDeclined, ReasonAdminCancelled,
		ReasonExpired, ReasonOrphanCleanup:
		return Reason(s), nil
	}
	return "", fmt.Errorf("unknown cancellation reason %q", s)
}

// Valid reports whether the reason is a known member of the set.
func (r Reason) Valid() bool {
	_, err := ParseReason(string(r))
	return err == nil
}

// AlwaysRefundsFee reports whether this reason refunds the buyer fee
// unconditionally. For ReasonBuyerCancelled the fee depends on whether the
// counterpart had accepted, which the caller resolves from the acceptance
// timestamp.
func (r Reason) AlwaysRefundsFee() bool {
	switch r {
	case ReasonSellerDeclined, ReasonAdminCancelled, ReasonExpired, ReasonOrphanCleanup:
		return true
	case ReasonBuyerCancelled:
		return false
	}
	return false
}

// Description renders the human-readable ledger description for a refund
// issued under this reason.
func (r Reason) Description(amount decimal.Decimal, feeIncluded bool) string {
	usd := money.FormatUSD(amount)
	switch r {
	case ReasonBuyerCancelled:
		if feeIncluded {
			return fmt.Sprintf("Refund %s (incl. platform fee): trade cancelled by buyer before acceptance", usd)
		}
		return fmt.Sprintf("Refund %s (fee retained): trade cancelled by buyer after acceptance", usd)
	case ReasonSellerDeclined:
		return fmt.Sprintf("Refund %s (incl. platform fee): seller declined trade", usd)
	case ReasonAdminCancelled:
		return fmt.Sprintf("Refund %s (incl. platform fee): trade cancelled by admin", usd)
	case ReasonExpired:
		return fmt.Sprintf("Refund %s (incl. platform fee): trade expired before completion", usd)
	case ReasonOrphanCleanup:
		return fmt.Sprintf("Refund %s: orphaned cashout reversed", usd)
	}
	return fmt.Sprintf("Refund %s", usd)
}
