package refund

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/rates"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// identityRates converts using the estimate table without network access.
type identityRates struct {
	table map[string]string // currency -> USD rate
}

func (r *identityRates) ConvertToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, rates.Rate, error) {
	if currency == money.USD || currency == "" {
		return amount, rates.Rate{From: currency, To: money.USD, Value: decimal.NewFromInt(1), Source: rates.SourceCache}, nil
	}
	v := decimal.RequireFromString(r.table[currency])
	return amount.Mul(v), rates.Rate{From: currency, To: money.USD, Value: v, Source: rates.SourceEstimate}, nil
}

// recordingNotifier captures admin escalations.
type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) NotifyAdmin(ctx context.Context, kind, message string, fields map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

type harness struct {
	wallets  *wallet.MemoryStore
	history  *ledger.MemoryStore
	store    *MemoryStore
	calc     *Calculator
	engine   *Engine
	notifier *recordingNotifier
}

func newHarness(t *testing.T, disabledReasons ...string) *harness {
	t.Helper()

	wallets := wallet.NewMemoryStore()
	history := ledger.NewMemoryStore()
	store := NewMemoryStore(wallets, history)
	notifier := &recordingNotifier{}
	conv := &identityRates{table: map[string]string{"BTC": "60000", "LTC": "80"}}
	calc := NewCalculator(history, conv, testLogger())
	engine := NewEngine(store, calc, notifier, disabledReasons, testLogger())

	return &harness{
		wallets:  wallets,
		history:  history,
		store:    store,
		calc:     calc,
		engine:   engine,
		notifier: notifier,
	}
}

// fundTrade records the buyer's escrow payment so eligibility sees funding.
func (h *harness) fundTrade(t *testing.T, entityID, buyerID string, total decimal.Decimal) {
	t.Helper()
	err := h.history.Record(context.Background(), &ledger.Transaction{
		ID:        idgen.WithPrefix("txn_"),
		UserID:    buyerID,
		Type:      ledger.TypeEscrowPayment,
		Amount:    total.Neg(),
		Currency:  money.USD,
		Status:    ledger.StatusCompleted,
		RelatedID: entityID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("fund trade: %v", err)
	}
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := h.wallets.Get(context.Background(), userID, money.USD)
	if err != nil {
		return decimal.Zero
	}
	return w.Balance
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestActiveIdempotencyKeyBlocksSecondRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := &Refund{
		ID: "rf_1", EntityID: "esc_1", UserID: "u1",
		Amount: usd("10"), Currency: money.USD, Status: StatusPending,
		IdempotencyKey: "key_1", CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRefund(ctx, first); err != nil {
		t.Fatal(err)
	}

	// A second live record under the same key violates the unique index.
	second := &Refund{
		ID: "rf_2", EntityID: "esc_1", UserID: "u1",
		Amount: usd("10"), Currency: money.USD, Status: StatusPending,
		IdempotencyKey: "key_1", CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRefund(ctx, second); !errors.Is(err, ErrKeyAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrKeyAlreadyRegistered", err)
	}

	// Failing the first record releases the key for a retry.
	now := time.Now().UTC()
	first.Status = StatusFailed
	first.FailedAt = &now
	if err := h.store.UpdateRefund(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateRefund(ctx, second); err != nil {
		t.Fatalf("retry after failure must be allowed: %v", err)
	}
}

func testTrade(accepted bool) Trade {
	tr := Trade{
		ID:       "esc_test_1",
		BuyerID:  "buyer_1",
		Amount:   usd("100"),
		BuyerFee: usd("5"),
	}
	if accepted {
		now := time.Now().UTC()
		tr.AcceptedAt = &now
	}
	return tr
}
