package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryCache is an in-process rate cache for demo/development mode.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	rate    decimal.Decimal
	expires time.Time
}

// NewMemoryCache creates a new in-memory rate cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (m *MemoryCache) Get(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[from+"/"+to]
	m.mu.RUnlock()

	if !ok || time.Now().After(e.expires) {
		return decimal.Zero, false, nil
	}
	return e.rate, true, nil
}

func (m *MemoryCache) Set(ctx context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[from+"/"+to] = memoryEntry{rate: rate, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Compile-time assertion that MemoryCache implements Cache.
var _ Cache = (*MemoryCache)(nil)
