package cashout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory cashout store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	cashouts map[string]*Cashout
}

// NewMemoryStore creates a new in-memory cashout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cashouts: make(map[string]*Cashout)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Cashout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.cashouts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cashouts[id]
	if !ok {
		return nil, ErrCashoutNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Cashout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cashouts[c.ID]; !ok {
		return ErrCashoutNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.cashouts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cashouts[id]
	if !ok {
		return false, ErrCashoutNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListOrphaned(ctx context.Context, before time.Time, limit int) ([]*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Cashout
	for _, c := range m.cashouts {
		if !orphanable(c.Status) || !c.CreatedAt.Before(before) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Cashout
	for _, c := range m.cashouts {
		if c.UserID == userID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func orphanable(s Status) bool {
	for _, o := range OrphanableStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
