package payout

import (
	"context"
	"fmt"

	"github.com/tradeshield/tradeshield/internal/circuitbreaker"
)

// GuardedProvider wraps a Provider with a circuit breaker. When the provider
// fails repeatedly the circuit opens and dispatches are rejected immediately
// with ErrProviderUnavailable; the cashout stays pending and the orphan
// reconciler returns the debit if the outage persists.
type GuardedProvider struct {
	inner   Provider
	name    string
	breaker *circuitbreaker.Breaker
}

// Guard wraps a provider with the given breaker, keyed by name.
func Guard(inner Provider, name string, breaker *circuitbreaker.Breaker) *GuardedProvider {
	return &GuardedProvider{inner: inner, name: name, breaker: breaker}
}

func (g *GuardedProvider) Send(ctx context.Context, req Request) (string, error) {
	if !g.breaker.Allow(g.name) {
		return "", fmt.Errorf("payout circuit open for %s: %w", g.name, ErrProviderUnavailable)
	}

	id, err := g.inner.Send(ctx, req)
	if err != nil {
		g.breaker.RecordFailure(g.name)
		return "", err
	}
	g.breaker.RecordSuccess(g.name)
	return id, nil
}

// Compile-time assertion that GuardedProvider implements Provider.
var _ Provider = (*GuardedProvider)(nil)
