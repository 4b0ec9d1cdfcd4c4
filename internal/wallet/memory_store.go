package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet // key: userID + "/" + currency
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

func (m *MemoryStore) Get(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditLocked(userID, currency, amount)
	return nil
}

// creditLocked applies a credit while the caller holds the lock. Shared with
// the refund memory store, which needs the credit inside its own critical
// section.
func (m *MemoryStore) creditLocked(userID, currency string, amount decimal.Decimal) {
	key := walletKey(userID, currency)
	w, ok := m.wallets[key]
	if !ok {
		w = &Wallet{UserID: userID, Currency: currency, Balance: decimal.Zero}
		m.wallets[key] = w
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now()
}

// CreditLocked exposes creditLocked for same-process atomic sequences.
// The caller must coordinate via Locker.
func (m *MemoryStore) CreditLocked(userID, currency string, amount decimal.Decimal) {
	m.creditLocked(userID, currency, amount)
}

// BalanceLocked reads a balance while the caller holds the lock.
func (m *MemoryStore) BalanceLocked(userID, currency string) decimal.Decimal {
	if w, ok := m.wallets[walletKey(userID, currency)]; ok {
		return w.Balance
	}
	return decimal.Zero
}

// Locker returns the store's mutex so a cooperating store can run a
// multi-step sequence atomically in memory mode.
func (m *MemoryStore) Locker() *sync.RWMutex {
	return &m.mu
}

func (m *MemoryStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A user with no wallet row has a zero balance, so any debit overdraws.
	w, ok := m.wallets[walletKey(userID, currency)]
	if !ok || w.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func walletKey(userID, currency string) string {
	return userID + "/" + currency
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
