// Package ledger tracks balance-affecting transactions on the platform.
//
// Transaction records are append-only and are the source of truth for "how
// much has been funded/refunded so far". Refund eligibility re-derives totals
// from this log on every call instead of trusting a running counter.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/pagination"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidAmount       = errors.New("invalid transaction amount")
)

// Type classifies a transaction.
type Type string

const (
	TypeDeposit          Type = "deposit"           // direct crypto payment credited to a trade
	TypeEscrowPayment    Type = "escrow_payment"    // buyer funding an escrow
	TypeEscrowRefund     Type = "escrow_refund"     // refund issued against an escrow
	TypeRefund           Type = "refund"            // generic compensating credit
	TypeCashout          Type = "cashout"           // wallet debit toward an external payout
	TypeDebit            Type = "debit"             // legacy debit record
	TypePaymentAggregate Type = "payment_aggregate" // authoritative total-funding record
)

// Status of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transaction is an append-only audit record of a balance-affecting event.
// Amounts are signed: credits positive, debits negative.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        Type            `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`
	Description string          `json:"description,omitempty"`
	RelatedID   string          `json:"relatedId,omitempty"` // escrow or cashout reference
	CreatedAt   time.Time       `json:"createdAt"`
}

// IsRefundLike reports whether this transaction represents a refund credit.
// Type alone is not enough: legacy records used deposit-type rows for
// refunds, so the description marker is checked as well. This is the defense
// against double-counting unrelated deposits when summing existing refunds.
func (t *Transaction) IsRefundLike() bool {
	switch t.Type {
	case TypeEscrowRefund, TypeRefund:
		return true
	case TypeDeposit:
		return strings.Contains(strings.ToLower(t.Description), "refund")
	}
	return false
}

// Store persists transaction records.
type Store interface {
	Record(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ListByRelated(ctx context.Context, relatedID string) ([]*Transaction, error)
	// ListByUser returns the user's transactions newest first, starting after
	// the cursor position when before is non-nil.
	ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	// FindDebit returns the completed debit transaction tied to a user and
	// related entity for exactly the expected amount, or
	// ErrTransactionNotFound. Used by the orphan reconciler to prove a debit
	// actually occurred before crediting it back; the amount match keeps a
	// partial or unrelated debit from authorizing a larger refund.
	FindDebit(ctx context.Context, userID, relatedID string, amount decimal.Decimal) (*Transaction, error)
}
