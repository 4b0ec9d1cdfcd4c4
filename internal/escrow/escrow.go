// Package escrow manages buyer/seller trades with held funds.
//
// The buyer funds a trade up front (principal plus platform fee) and the
// funds sit in escrow until release or cancellation. Every cancellation path
// flows through the refund engine, which owns duplicate protection and fee
// policy; this package never credits wallets directly on cancel.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/refund"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrInvalidAmount  = errors.New("escrow amount must be positive")
	ErrNotSeller      = errors.New("only the seller can perform this action")
	ErrNotParticipant = errors.New("caller is not a participant in this escrow")
	ErrWrongStatus    = errors.New("escrow is not in a valid status for this action")
	ErrSelfTrade      = errors.New("buyer and seller must differ")
)

// Status of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // funded, waiting for seller acceptance
	StatusActive    Status = "active"    // seller accepted
	StatusCompleted Status = "completed" // released to seller
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Escrow is a funded trade between a buyer and a seller. AcceptedAt is set
// once when the seller accepts and never cleared: fee-retention policy reads
// the acceptance history, not the current status.
type Escrow struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	Amount      decimal.Decimal `json:"amount"`   // principal, USD
	BuyerFee    decimal.Decimal `json:"buyerFee"` // platform fee paid by the buyer
	Description string          `json:"description,omitempty"`
	Status      Status          `json:"status"`
	AcceptedAt  *time.Time      `json:"acceptedAt,omitempty"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Trade returns the refund-relevant view of this escrow.
func (e *Escrow) Trade() refund.Trade {
	return refund.Trade{
		ID:         e.ID,
		BuyerID:    e.BuyerID,
		Amount:     e.Amount,
		BuyerFee:   e.BuyerFee,
		AcceptedAt: e.AcceptedAt,
	}
}

// Store persists escrows.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	// Transition moves the escrow to status to only if its current status is
	// one of from. Returns false when the guard did not hold.
	Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	// ListExpired returns pending or active escrows whose deadline passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
}

// Service coordinates the escrow lifecycle.
type Service struct {
	store   Store
	wallets wallet.Store
	history ledger.Store
	engine  *refund.Engine
	logger  *slog.Logger
}

// NewService creates an escrow service.
func NewService(store Store, wallets wallet.Store, history ledger.Store, engine *refund.Engine, logger *slog.Logger) *Service {
	return &Service{store: store, wallets: wallets, history: history, engine: engine, logger: logger}
}

// Create funds a new escrow. The buyer's wallet is debited for principal
// plus fee, and the funding is recorded in the ledger before the escrow row
// exists so the eligibility calculator always sees the payment.
func (s *Service) Create(ctx context.Context, buyerID, sellerID string, amount, fee decimal.Decimal, description string, expiresIn time.Duration) (*Escrow, error) {
	if !amount.IsPositive() || fee.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if buyerID == sellerID {
		return nil, ErrSelfTrade
	}

	total := amount.Add(fee)
	if err := s.wallets.Debit(ctx, buyerID, money.USD, total); err != nil {
		return nil, fmt.Errorf("debit buyer: %w", err)
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Amount:      amount,
		BuyerFee:    fee,
		Description: description,
		Status:      StatusPending,
		ExpiresAt:   now.Add(expiresIn),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.history.Record(ctx, &ledger.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      buyerID,
		Type:        ledger.TypeEscrowPayment,
		Amount:      total.Neg(),
		Currency:    money.USD,
		Status:      ledger.StatusCompleted,
		Description: fmt.Sprintf("Escrow payment %s (incl. %s fee)", money.FormatUSD(amount), money.FormatUSD(fee)),
		RelatedID:   e.ID,
		CreatedAt:   now,
	}); err != nil {
		if cerr := s.wallets.Credit(ctx, buyerID, money.USD, total); cerr != nil {
			s.logger.Error("escrow rollback credit failed",
				"buyer", buyerID, "amount", total.String(), "error", cerr)
		}
		return nil, fmt.Errorf("record escrow payment: %w", err)
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	s.logger.Info("escrow created",
		"escrow", e.ID, "buyer", buyerID, "seller", sellerID, "amount", amount.StringFixed(2))
	return e, nil
}

// Accept records the seller's acceptance. AcceptedAt is durable: it survives
// any later status change, because fee policy depends on whether acceptance
// ever happened, not on where the escrow ended up.
func (s *Service) Accept(ctx context.Context, id, sellerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SellerID != sellerID {
		return nil, ErrNotSeller
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrWrongStatus, e.Status)
	}

	now := time.Now().UTC()
	e.Status = StatusActive
	e.AcceptedAt = &now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("escrow accepted", "escrow", e.ID, "seller", sellerID)
	return e, nil
}

// Cancel cancels an escrow and routes the refund through the engine. The
// caller supplies who is cancelling; the reason is derived from that plus
// acceptance state, so callers cannot pick a more favorable fee policy.
func (s *Service) Cancel(ctx context.Context, id, callerID string, asAdmin bool) (*Escrow, refund.Result, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, refund.Result{}, err
	}

	var reason refund.Reason
	switch {
	case asAdmin:
		reason = refund.ReasonAdminCancelled
	case callerID == e.BuyerID:
		reason = refund.ReasonBuyerCancelled
	case callerID == e.SellerID:
		reason = refund.ReasonSellerDeclined
	default:
		return nil, refund.Result{}, ErrNotParticipant
	}

	if e.Status != StatusPending && e.Status != StatusActive {
		return nil, refund.Result{}, fmt.Errorf("%w: %s", ErrWrongStatus, e.Status)
	}

	result := s.engine.ProcessTradeRefund(ctx, e.Trade(), reason)
	switch result.Outcome {
	case refund.OutcomeSuccess, refund.OutcomeDuplicate, refund.OutcomeIneligible:
		// Ineligible here means there is nothing left to return; the
		// cancellation itself still proceeds.
		if _, err := s.store.Transition(ctx, id, StatusCancelled, StatusPending, StatusActive); err != nil {
			return nil, result, err
		}
		e.Status = StatusCancelled
	case refund.OutcomePolicyBlocked:
		// Escalated to an operator; the escrow stays put until they act.
		return e, result, nil
	default:
		return e, result, fmt.Errorf("refund failed: %s", result.Message)
	}

	s.logger.Info("escrow cancelled",
		"escrow", e.ID, "by", callerID, "reason", string(reason), "refund", string(result.Outcome))
	return e, result, nil
}

// Release completes the trade: the seller receives the principal, the
// platform keeps the fee.
func (s *Service) Release(ctx context.Context, id, buyerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != buyerID {
		return nil, ErrNotParticipant
	}

	ok, err := s.store.Transition(ctx, id, StatusCompleted, StatusActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongStatus, e.Status)
	}

	if err := s.wallets.Credit(ctx, e.SellerID, money.USD, e.Amount); err != nil {
		return nil, fmt.Errorf("credit seller: %w", err)
	}
	if err := s.history.Record(ctx, &ledger.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      e.SellerID,
		Type:        ledger.TypeDeposit,
		Amount:      e.Amount,
		Currency:    money.USD,
		Status:      ledger.StatusCompleted,
		Description: fmt.Sprintf("Escrow release %s", money.FormatUSD(e.Amount)),
		RelatedID:   e.ID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.logger.Error("release recorded in wallet but not in ledger", "escrow", e.ID, "error", err)
	}

	e.Status = StatusCompleted
	s.logger.Info("escrow released",
		"escrow", e.ID, "seller", e.SellerID, "amount", e.Amount.StringFixed(2))
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's escrows, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// ExpireDue transitions overdue escrows to expired and refunds the buyers
// through the engine's batch path. Called by the timer.
func (s *Service) ExpireDue(ctx context.Context, limit int) (refund.BatchReport, error) {
	due, err := s.store.ListExpired(ctx, time.Now().UTC(), limit)
	if err != nil {
		return refund.BatchReport{}, fmt.Errorf("list expired escrows: %w", err)
	}

	var trades []refund.Trade
	for _, e := range due {
		ok, err := s.store.Transition(ctx, e.ID, StatusExpired, StatusPending, StatusActive)
		if err != nil {
			s.logger.Warn("failed to expire escrow", "escrow", e.ID, "error", err)
			continue
		}
		if !ok {
			continue // another process got there first
		}
		trades = append(trades, e.Trade())
	}

	report := s.engine.ProcessExpired(ctx, trades)
	if report.Processed > 0 {
		s.logger.Info("expired escrows refunded",
			"processed", report.Processed, "succeeded", report.Succeeded,
			"duplicates", report.Duplicates, "failed", report.Failed)
	}
	return report, nil
}
