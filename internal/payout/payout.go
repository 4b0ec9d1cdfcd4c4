// Package payout abstracts the external rails money leaves the platform on.
package payout

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrProviderUnavailable signals a transient provider outage. The cashout
// stays in its current status and the orphan sweep picks it up later.
var ErrProviderUnavailable = errors.New("payout provider unavailable")

// Request describes one outbound payout.
type Request struct {
	Reference   string // cashout ID, passed to the provider for tracing
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Destination string // bank token or crypto address
}

// Provider sends funds out. Send returns the provider-side payout ID.
type Provider interface {
	Send(ctx context.Context, req Request) (string, error)
}
