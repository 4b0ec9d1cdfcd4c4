// Package cashout manages wallet withdrawals toward external payout rails.
//
// A cashout debits the wallet before the provider confirms anything, so every
// non-terminal status represents money already taken from the user. The
// orphan reconciler leans on the status sets below to find cashouts whose
// flow died mid-way and return the debit.
package cashout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/payout"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

var (
	ErrCashoutNotFound = errors.New("cashout not found")
	ErrInvalidAmount   = errors.New("cashout amount must be positive")
)

// Status of a cashout.
type Status string

const (
	StatusPending              Status = "pending"
	StatusProcessing           Status = "processing"
	StatusBroadcasting         Status = "broadcasting"
	StatusOTPPending           Status = "otp_pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusFailed               Status = "failed"
)

// OrphanableStatuses are the statuses in which the wallet debit has occurred
// but the payout flow can die silently. Only these are swept for orphans:
// otp_pending and awaiting_confirmation are excluded because a user or an
// external confirmation is still legitimately in the loop.
var OrphanableStatuses = []Status{StatusPending, StatusProcessing, StatusBroadcasting}

// CancellableStatuses is the full set a cashout may be cancelled from. The
// orphan reconciler re-validates against this set at cleanup time, sharing
// one source of truth with the user-facing cancel path.
var CancellableStatuses = []Status{
	StatusPending, StatusProcessing, StatusBroadcasting,
	StatusOTPPending, StatusAwaitingConfirmation,
}

// Cancellable reports whether a cashout in this status may still be reversed.
func (s Status) Cancellable() bool {
	for _, c := range CancellableStatuses {
		if s == c {
			return true
		}
	}
	return false
}

// Kind distinguishes the two withdrawal flows.
type Kind string

const (
	// KindLegacyUSD is a USD payout through the fiat provider.
	KindLegacyUSD Kind = "legacy_usd"
	// KindDirectCrypto is an on-chain payout denominated in the asset.
	KindDirectCrypto Kind = "direct_crypto"
)

// Cashout is a withdrawal request and its lifecycle state.
type Cashout struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Kind         Kind            `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Destination  string          `json:"destination"`
	Status       Status          `json:"status"`
	PayoutID     string          `json:"payoutId,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store persists cashouts.
type Store interface {
	Create(ctx context.Context, c *Cashout) error
	Get(ctx context.Context, id string) (*Cashout, error)
	Update(ctx context.Context, c *Cashout) error
	// Transition moves the cashout to status to only if its current status
	// is one of from. Returns false when the guard did not hold, which is
	// how concurrent sweeps avoid double-handling the same cashout.
	Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	// ListOrphaned returns cashouts in an orphanable status created before
	// the given time. Age is measured from creation, not the last update: a
	// stuck cashout whose row keeps being touched is still stuck.
	ListOrphaned(ctx context.Context, before time.Time, limit int) ([]*Cashout, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error)
}

// Service coordinates the withdrawal flow: debit first, record the debit,
// then hand off to the provider.
type Service struct {
	store    Store
	wallets  wallet.Store
	history  ledger.Store
	provider payout.Provider
	logger   *slog.Logger
}

// NewService creates a cashout service.
func NewService(store Store, wallets wallet.Store, history ledger.Store, provider payout.Provider, logger *slog.Logger) *Service {
	return &Service{store: store, wallets: wallets, history: history, provider: provider, logger: logger}
}

// Create debits the wallet, records the ledger entry, persists the cashout,
// and dispatches the payout. The ledger entry is written before the provider
// call: if the process dies after the debit, the orphan reconciler needs the
// debit record to prove the refund is owed.
func (s *Service) Create(ctx context.Context, userID string, kind Kind, amount decimal.Decimal, currency, destination string) (*Cashout, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if err := s.wallets.Debit(ctx, userID, currency, amount); err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	c := &Cashout{
		ID:          idgen.WithPrefix("co_"),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Currency:    currency,
		Destination: destination,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if err := s.history.Record(ctx, &ledger.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        ledger.TypeCashout,
		Amount:      amount.Neg(),
		Currency:    currency,
		Status:      ledger.StatusCompleted,
		Description: fmt.Sprintf("Cashout %s %s", amount.String(), currency),
		RelatedID:   c.ID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		// Debit happened but the record did not. Credit back immediately
		// rather than leaving an unprovable debit.
		if cerr := s.wallets.Credit(ctx, userID, currency, amount); cerr != nil {
			s.logger.Error("cashout rollback credit failed",
				"user", userID, "amount", amount.String(), "error", cerr)
		}
		return nil, fmt.Errorf("record cashout debit: %w", err)
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create cashout: %w", err)
	}

	payoutID, err := s.provider.Send(ctx, payout.Request{
		Reference:   c.ID,
		UserID:      userID,
		Amount:      amount,
		Currency:    currency,
		Destination: destination,
	})
	if err != nil {
		// Leave the cashout pending. The orphan sweep detects it after the
		// timeout and returns the debit through the refund engine.
		s.logger.Warn("payout dispatch failed, cashout left for reconciliation",
			"cashout", c.ID, "error", err)
		c.ErrorMessage = err.Error()
		if uerr := s.store.Update(ctx, c); uerr != nil {
			s.logger.Warn("failed to record payout error", "cashout", c.ID, "error", uerr)
		}
		return c, nil
	}

	c.PayoutID = payoutID
	c.Status = StatusProcessing
	if err := s.store.Update(ctx, c); err != nil {
		s.logger.Warn("failed to record payout dispatch", "cashout", c.ID, "error", err)
	}

	s.logger.Info("cashout dispatched",
		"cashout", c.ID, "user", userID, "amount", amount.String(), "currency", currency)
	return c, nil
}

// Get returns a cashout by ID.
func (s *Service) Get(ctx context.Context, id string) (*Cashout, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's cashouts, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Complete marks a cashout confirmed by the provider.
func (s *Service) Complete(ctx context.Context, id string) error {
	ok, err := s.store.Transition(ctx, id, StatusCompleted,
		StatusProcessing, StatusBroadcasting, StatusAwaitingConfirmation)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cashout %s not in a completable status", id)
	}
	return nil
}
