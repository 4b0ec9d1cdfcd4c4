package cashout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/payout"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	fail  bool
	calls int
}

func (p *stubProvider) Send(ctx context.Context, req payout.Request) (string, error) {
	p.calls++
	if p.fail {
		return "", payout.ErrProviderUnavailable
	}
	return "po_stub_" + req.Reference, nil
}

type env struct {
	wallets  *wallet.MemoryStore
	history  *ledger.MemoryStore
	store    *MemoryStore
	provider *stubProvider
	svc      *Service
}

func newEnv(t *testing.T, providerFails bool) *env {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	history := ledger.NewMemoryStore()
	store := NewMemoryStore()
	provider := &stubProvider{fail: providerFails}
	return &env{
		wallets:  wallets,
		history:  history,
		store:    store,
		provider: provider,
		svc:      NewService(store, wallets, history, provider, testLogger()),
	}
}

func (e *env) seed(t *testing.T, userID, amount string) {
	t.Helper()
	if err := e.wallets.Credit(context.Background(), userID, money.USD, decimal.RequireFromString(amount)); err != nil {
		t.Fatal(err)
	}
}

func (e *env) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := e.wallets.Get(context.Background(), userID, money.USD)
	if err != nil {
		return decimal.Zero
	}
	return w.Balance
}

func TestCreateDispatchesPayout(t *testing.T) {
	e := newEnv(t, false)
	e.seed(t, "user_1", "200")

	co, err := e.svc.Create(context.Background(), "user_1", KindLegacyUSD, decimal.RequireFromString("50"), money.USD, "acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if co.Status != StatusProcessing {
		t.Fatalf("status = %s, want processing", co.Status)
	}
	if co.PayoutID == "" {
		t.Fatal("dispatched cashout must carry the provider payout ID")
	}
	if !e.balance(t, "user_1").Equal(decimal.RequireFromString("150")) {
		t.Fatalf("balance = %s, want 150", e.balance(t, "user_1"))
	}

	// The debit must be provable from the ledger.
	debit, err := e.history.FindDebit(context.Background(), "user_1", co.ID, decimal.RequireFromString("50"))
	if err != nil {
		t.Fatalf("no ledger debit for cashout: %v", err)
	}
	if !debit.Amount.Equal(decimal.RequireFromString("-50")) {
		t.Fatalf("debit amount = %s, want -50", debit.Amount)
	}
}

func TestCreateProviderFailureLeavesPending(t *testing.T) {
	e := newEnv(t, true)
	e.seed(t, "user_1", "200")

	co, err := e.svc.Create(context.Background(), "user_1", KindLegacyUSD, decimal.RequireFromString("50"), money.USD, "acct_1")
	if err != nil {
		t.Fatalf("provider failure must not surface as an error: %v", err)
	}
	if co.Status != StatusPending {
		t.Fatalf("status = %s, want pending for the orphan sweep", co.Status)
	}
	if co.ErrorMessage == "" {
		t.Fatal("provider error must be recorded on the cashout")
	}
	// The debit stays in place; reconciliation returns it later.
	if !e.balance(t, "user_1").Equal(decimal.RequireFromString("150")) {
		t.Fatalf("balance = %s, want 150", e.balance(t, "user_1"))
	}
	if _, err := e.history.FindDebit(context.Background(), "user_1", co.ID, decimal.RequireFromString("50")); err != nil {
		t.Fatalf("debit must remain provable: %v", err)
	}
}

func TestCreateInsufficientBalance(t *testing.T) {
	e := newEnv(t, false)
	e.seed(t, "user_1", "10")

	_, err := e.svc.Create(context.Background(), "user_1", KindLegacyUSD, decimal.RequireFromString("50"), money.USD, "acct_1")
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want insufficient balance", err)
	}
	if e.provider.calls != 0 {
		t.Fatal("provider must not be called when the debit fails")
	}
	if !e.balance(t, "user_1").Equal(decimal.RequireFromString("10")) {
		t.Fatal("failed create must not move money")
	}
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	e := newEnv(t, false)

	if _, err := e.svc.Create(context.Background(), "user_1", KindLegacyUSD, decimal.Zero, money.USD, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := e.svc.Create(context.Background(), "user_1", KindLegacyUSD, decimal.RequireFromString("-5"), money.USD, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: err = %v, want ErrInvalidAmount", err)
	}
}

func TestTransitionGuard(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	co := &Cashout{
		ID: "co_guard", UserID: "user_1", Kind: KindLegacyUSD,
		Amount: decimal.RequireFromString("50"), Currency: money.USD,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Create(ctx, co); err != nil {
		t.Fatal(err)
	}

	ok, err := e.store.Transition(ctx, co.ID, StatusCancelled, StatusPending)
	if err != nil || !ok {
		t.Fatalf("guarded transition from matching status: ok=%v err=%v", ok, err)
	}

	// Guard no longer holds.
	ok, err = e.store.Transition(ctx, co.ID, StatusProcessing, StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("transition must fail once the from-status no longer matches")
	}

	got, _ := e.store.Get(ctx, co.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCompleteOnlyFromInFlightStatuses(t *testing.T) {
	e := newEnv(t, false)
	e.seed(t, "user_1", "100")

	co, err := e.svc.Create(context.Background(), "user_1", KindLegacyUSD, decimal.RequireFromString("25"), money.USD, "acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Complete(context.Background(), co.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := e.store.Get(context.Background(), co.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// Completing again fails: the cashout already left the in-flight set.
	if err := e.svc.Complete(context.Background(), co.ID); err == nil {
		t.Fatal("completing a completed cashout must fail")
	}
}

func TestListOrphanedFiltersStatusAndAge(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-10 * time.Minute)

	add := func(id string, status Status, age time.Duration) {
		stamp := time.Now().UTC().Add(-age)
		err := e.store.Create(ctx, &Cashout{
			ID: id, UserID: "user_1", Kind: KindLegacyUSD,
			Amount: decimal.RequireFromString("5"), Currency: money.USD,
			Status: status, CreatedAt: stamp, UpdatedAt: stamp,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add("co_stale", StatusPending, 30*time.Minute)
	add("co_fresh", StatusPending, time.Minute)
	add("co_done", StatusCompleted, 30*time.Minute)
	add("co_otp", StatusOTPPending, 30*time.Minute)

	// An old row whose updated_at keeps moving is still stuck. Age is
	// measured from creation.
	add("co_touched", StatusProcessing, 30*time.Minute)
	if ok, err := e.store.Transition(ctx, "co_touched", StatusProcessing, StatusProcessing); err != nil || !ok {
		t.Fatalf("touch transition: ok=%v err=%v", ok, err)
	}

	orphans, err := e.store.ListOrphaned(ctx, cutoff, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(orphans)
	found := make(map[string]bool, len(got))
	for _, id := range got {
		found[id] = true
	}
	if len(got) != 2 || !found["co_stale"] || !found["co_touched"] {
		t.Fatalf("orphans = %v, want co_stale and co_touched", got)
	}
}

func ids(cs []*Cashout) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
