// Package wallet manages per-user, per-currency balances.
//
// Balances are mutated only through scoped UPDATE statements, never through
// application-level read-modify-write, so concurrent credits cannot lose
// updates. The refund engine's credit participates in the engine's own
// database transaction via CreditTx.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Wallet is a user's balance in one currency.
type Wallet struct {
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists wallet balances.
type Store interface {
	Get(ctx context.Context, userID, currency string) (*Wallet, error)
	// Credit increments the balance, creating the wallet row if needed.
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error
	// Debit decrements the balance; fails with ErrInsufficientBalance if the
	// balance would go negative (enforced by a CHECK constraint in Postgres).
	// A missing wallet row reads as a zero balance, matching Get's semantics
	// at the service level.
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error
}

// Service wraps a Store with validation.
type Service struct {
	store Store
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Balance returns the user's balance in the given currency. Unknown wallets
// read as zero: a user who never received funds has a zero balance, not an
// error.
func (s *Service) Balance(ctx context.Context, userID, currency string) (*Wallet, error) {
	w, err := s.store.Get(ctx, userID, currency)
	if errors.Is(err, ErrWalletNotFound) {
		return &Wallet{UserID: userID, Currency: currency, Balance: decimal.Zero, UpdatedAt: time.Now()}, nil
	}
	return w, err
}

// Credit adds funds to the user's wallet.
func (s *Service) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.store.Credit(ctx, userID, currency, amount)
}

// Debit removes funds from the user's wallet.
func (s *Service) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.store.Debit(ctx, userID, currency, amount)
}
