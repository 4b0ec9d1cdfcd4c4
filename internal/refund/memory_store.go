package refund

import (
	"context"
	"sync"
	"time"

	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

// MemoryStore is an in-memory refund store for demo/development mode. It
// cooperates with the wallet memory store's lock so the cycle check, credit,
// and balance reads happen as one atomic sequence, mirroring what the
// Postgres store gets from a database transaction.
type MemoryStore struct {
	mu      sync.Mutex
	cycles  map[string]*CycleEntry // key: entity|beneficiary|cycle
	keys    map[string]bool
	refunds map[string]*Refund
	order   []string

	// activeRefunds mirrors the partial unique index on live refund records:
	// idempotency key -> refund ID while the record is pending or completed.
	activeRefunds map[string]string

	wallets *wallet.MemoryStore
	history ledger.Store
}

// NewMemoryStore creates a new in-memory refund store wired to the in-memory
// wallet and ledger stores.
func NewMemoryStore(wallets *wallet.MemoryStore, history ledger.Store) *MemoryStore {
	return &MemoryStore{
		cycles:        make(map[string]*CycleEntry),
		keys:          make(map[string]bool),
		refunds:       make(map[string]*Refund),
		activeRefunds: make(map[string]string),
		wallets:       wallets,
		history:       history,
	}
}

func (m *MemoryStore) GetCycle(ctx context.Context, entityID, beneficiaryID, cycleID string) (*CycleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cycles[cycleKey(entityID, beneficiaryID, cycleID)]
	if !ok {
		return nil, ErrCycleNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, app *Application) (*Applied, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cycleKey(app.Entry.EntityID, app.Entry.BeneficiaryID, app.Entry.CycleID)
	if _, ok := m.cycles[key]; ok {
		return nil, ErrDuplicateCycle
	}
	if m.keys[app.Entry.IdempotencyKey] {
		return nil, ErrKeyAlreadyRegistered
	}

	// Cycle entry and key go in before the credit, matching the commit order
	// the Postgres store enforces.
	entry := app.Entry
	m.cycles[key] = &entry
	m.keys[app.Entry.IdempotencyKey] = true

	lock := m.wallets.Locker()
	lock.Lock()
	before := m.wallets.BalanceLocked(app.Entry.BeneficiaryID, app.Entry.Currency)
	m.wallets.CreditLocked(app.Entry.BeneficiaryID, app.Entry.Currency, app.Entry.Amount)
	after := m.wallets.BalanceLocked(app.Entry.BeneficiaryID, app.Entry.Currency)
	lock.Unlock()

	tx := app.Transaction
	if err := m.history.Record(ctx, &tx); err != nil {
		return nil, err
	}

	return &Applied{BalanceBefore: before, BalanceAfter: after}, nil
}

func (m *MemoryStore) IsKeyRegistered(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *MemoryStore) CreateRefund(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if liveRefundStatus(r.Status) {
		if other, ok := m.activeRefunds[r.IdempotencyKey]; ok && other != r.ID {
			return ErrKeyAlreadyRegistered
		}
		m.activeRefunds[r.IdempotencyKey] = r.ID
	}
	cp := *r
	m.refunds[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryStore) UpdateRefund(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refunds[r.ID]; !ok {
		return ErrRefundNotFound
	}
	if liveRefundStatus(r.Status) {
		m.activeRefunds[r.IdempotencyKey] = r.ID
	} else if m.activeRefunds[r.IdempotencyKey] == r.ID {
		delete(m.activeRefunds, r.IdempotencyKey)
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

// liveRefundStatus mirrors the WHERE clause of the partial unique index:
// failed and archived records release their idempotency key.
func liveRefundStatus(s Status) bool {
	return s == StatusPending || s == StatusCompleted
}

func (m *MemoryStore) ListRefundsByEntity(ctx context.Context, entityID string) ([]*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Refund
	for _, id := range m.order {
		if r := m.refunds[id]; r.EntityID == entityID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ArchiveFailed(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	archived := 0
	for _, r := range m.refunds {
		if r.Status == StatusFailed && r.CreatedAt.Before(before) {
			r.Status = StatusArchived
			r.ArchivedAt = &now
			archived++
		}
	}
	return archived, nil
}

func cycleKey(entityID, beneficiaryID, cycleID string) string {
	return entityID + "|" + beneficiaryID + "|" + cycleID
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
