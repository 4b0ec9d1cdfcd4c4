// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry creates a new health check registry. Each CheckAll run is
// capped at 5 seconds so one hung dependency cannot stall the endpoint.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
	}
}

// Register adds a named health checker, replacing any previous checker
// registered under the same name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers[name] = check
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual subsystem results, sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, check := range r.checkers {
		checkers[name] = check
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Status
	)
	for name, check := range checkers {
		wg.Add(1)
		go func(name string, check Checker) {
			defer wg.Done()
			st := runCheck(ctx, name, check)
			mu.Lock()
			results = append(results, st)
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	healthy = true
	for _, st := range results {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, results
}

// runCheck shields the registry from a panicking checker.
func runCheck(ctx context.Context, name string, check Checker) (st Status) {
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Name: name, Healthy: false, Detail: fmt.Sprintf("check panicked: %v", rec)}
		}
	}()
	return check(ctx)
}
