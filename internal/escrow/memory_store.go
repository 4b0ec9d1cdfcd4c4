package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	cp.UpdatedAt = time.Now().UTC()
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			e.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusPending && e.Status != StatusActive {
			continue
		}
		if !e.ExpiresAt.Before(before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
