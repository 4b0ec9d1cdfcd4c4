// Package refund implements the at-most-once refund core: idempotency keys,
// eligibility calculation, and the atomic execution engine.
//
// Concurrency safety comes from database-level uniqueness constraints on the
// refund cycle ledger, not from application locks: two processes racing to
// refund the same entity both attempt the cycle insert, and exactly one
// succeeds. The loser observes the constraint violation and reports
// "duplicate", which is a sibling outcome, not an error.
package refund

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/ledger"
)

var (
	ErrRefundNotFound = errors.New("refund not found")
	ErrCycleNotFound  = errors.New("refund cycle not found")
	// ErrDuplicateCycle signals that the (entity, beneficiary, cycle)
	// uniqueness constraint already holds: the refund was processed by this
	// or another process. Callers must not retry the credit.
	ErrDuplicateCycle = errors.New("refund cycle already exists")
	// ErrKeyAlreadyRegistered signals a consumed idempotency key.
	ErrKeyAlreadyRegistered = errors.New("idempotency key already registered")
)

// Status of a refund record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// Refund is the audit record of a single refund attempt. Failed refunds are
// archived after a retention window, never deleted.
type Refund struct {
	ID             string          `json:"id"`
	EntityID       string          `json:"entityId"` // escrow or cashout
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Reason         Reason          `json:"reason"`
	BalanceBefore  decimal.Decimal `json:"balanceBefore"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	ArchivedAt     *time.Time      `json:"archivedAt,omitempty"`
}

// CycleEntry is the constraint-backed dedup record. One row per successful
// refund attempt, keyed by (entity, beneficiary, cycle). Never updated,
// never deleted: its existence is the proof a refund happened.
type CycleEntry struct {
	CycleID        string            `json:"cycleId"`
	EntityID       string            `json:"entityId"`
	BeneficiaryID  string            `json:"beneficiaryId"`
	Reason         Reason            `json:"reason"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	TransactionID  string            `json:"transactionId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Context        map[string]string `json:"context,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Application is the input to Store.Apply: the full atomic refund sequence.
type Application struct {
	Entry       CycleEntry
	Transaction ledger.Transaction
}

// Applied reports the wallet balances observed inside the transaction.
type Applied struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// Store persists refund state. Apply must execute as a single atomic unit:
// cycle insert first, then wallet credit, then transaction record, then key
// registration, with all four committing together or none. The cycle insert
// preceding the credit is what makes "insert failed, nothing was credited" a
// safe interpretation for the losing racer.
type Store interface {
	// GetCycle returns the existing cycle entry, or ErrCycleNotFound.
	GetCycle(ctx context.Context, entityID, beneficiaryID, cycleID string) (*CycleEntry, error)
	// Apply executes the atomic refund sequence. Returns ErrDuplicateCycle
	// (or ErrKeyAlreadyRegistered) if a concurrent or previous attempt
	// already holds the constraint; any other error means the whole
	// sequence rolled back.
	Apply(ctx context.Context, app *Application) (*Applied, error)
	// IsKeyRegistered checks the idempotency key registry.
	IsKeyRegistered(ctx context.Context, key string) (bool, error)

	CreateRefund(ctx context.Context, r *Refund) error
	UpdateRefund(ctx context.Context, r *Refund) error
	ListRefundsByEntity(ctx context.Context, entityID string) ([]*Refund, error)
	// ArchiveFailed marks failed refunds created before the cutoff as
	// archived, preserving the audit trail. Returns the number archived.
	ArchiveFailed(ctx context.Context, before time.Time) (int, error)
}

// Notifier escalates cases requiring manual review. Fire-and-forget: errors
// are logged by implementations, never returned.
type Notifier interface {
	NotifyAdmin(ctx context.Context, kind, message string, fields map[string]any)
}

// EventSink receives refund lifecycle events for the ops feed. Optional.
type EventSink interface {
	Emit(event string, fields map[string]any)
}
