package payout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider sends USD payouts through Stripe.
type StripeProvider struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeProvider creates a Stripe-backed payout provider.
func NewStripeProvider(apiKey string, logger *slog.Logger) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api, logger: logger}
}

func (s *StripeProvider) Send(ctx context.Context, req Request) (string, error) {
	// Stripe amounts are integer minor units.
	cents := req.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	if cents <= 0 {
		return "", fmt.Errorf("payout amount %s too small", req.Amount)
	}

	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.AddMetadata("cashout_id", req.Reference)
	params.AddMetadata("user_id", req.UserID)
	if req.Destination != "" {
		params.Destination = stripe.String(req.Destination)
	}

	p, err := s.api.Payouts.New(params)
	if err != nil {
		s.logger.Error("stripe payout failed", "cashout", req.Reference, "error", err)
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	s.logger.Info("stripe payout created", "cashout", req.Reference, "payout", p.ID)
	return p.ID, nil
}

// Compile-time assertion that StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)
