package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	order        []string // insertion order, newest last
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

func (m *MemoryStore) Record(ctx context.Context, tx *Transaction) error {
	if tx.Amount.IsZero() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.transactions[tx.ID] = &cp
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListByRelated(ctx context.Context, relatedID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, id := range m.order {
		if t := m.transactions[id]; t.RelatedID == relatedID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if t.UserID != userID {
			continue
		}
		if before != nil && !olderThanCursor(t, before) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThanCursor reports whether t sorts after the cursor position in
// newest-first order.
func olderThanCursor(t *Transaction, c *pagination.Cursor) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.ID < c.ID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) FindDebit(ctx context.Context, userID, relatedID string, amount decimal.Decimal) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		t := m.transactions[id]
		if t.UserID != userID || t.RelatedID != relatedID || t.Status != StatusCompleted {
			continue
		}
		if (t.Type == TypeCashout || t.Type == TypeDebit) && t.Amount.Equal(amount.Neg()) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
