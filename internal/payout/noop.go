package payout

import (
	"context"
	"log/slog"

	"github.com/tradeshield/tradeshield/internal/idgen"
)

// NoopProvider accepts every payout without moving money. Demo mode only.
type NoopProvider struct {
	logger *slog.Logger
}

// NewNoopProvider creates a provider that logs instead of paying out.
func NewNoopProvider(logger *slog.Logger) *NoopProvider {
	return &NoopProvider{logger: logger}
}

func (n *NoopProvider) Send(ctx context.Context, req Request) (string, error) {
	id := idgen.WithPrefix("po_")
	n.logger.Info("simulated payout",
		"cashout", req.Reference, "amount", req.Amount.String(), "currency", req.Currency, "payout", id)
	return id, nil
}

var _ Provider = (*NoopProvider)(nil)
