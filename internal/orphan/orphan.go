// Package orphan detects cashouts whose payout flow died after the wallet
// debit and returns the stranded funds through the refund engine.
package orphan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/cashout"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/metrics"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/refund"
	"github.com/tradeshield/tradeshield/internal/traces"
)

// Disposition classifies what the reconciler did with one orphan.
type Disposition string

const (
	DispositionCleaned       Disposition = "cleaned"
	DispositionAlreadyDone   Disposition = "already_done"
	DispositionSkipped       Disposition = "skipped"
	DispositionSecurityBlock Disposition = "security_block"
	DispositionFailed        Disposition = "failed"
)

// CycleReport summarizes one sweep.
type CycleReport struct {
	Found   int                    `json:"found"`
	Cleaned int                    `json:"cleaned"`
	Blocked int                    `json:"blocked"`
	Failed  int                    `json:"failed"`
	Results map[string]Disposition `json:"results"` // cashout ID -> disposition
}

// Engine is the slice of the refund engine the reconciler needs.
type Engine interface {
	ProcessTradeRefund(ctx context.Context, trade refund.Trade, reason refund.Reason) refund.Result
}

// Reconciler finds orphaned cashouts and feeds them into the refund engine,
// which carries all the duplicate protection. The reconciler itself holds no
// state: running two instances concurrently is safe.
type Reconciler struct {
	cashouts cashout.Store
	history  ledger.Store
	engine   Engine
	rates    refund.RateConverter
	notifier refund.Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReconciler creates an orphan reconciler. timeout is how long a cashout
// may sit in an orphanable status before it counts as abandoned.
func NewReconciler(cashouts cashout.Store, history ledger.Store, engine Engine, rates refund.RateConverter, notifier refund.Notifier, timeout time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cashouts: cashouts,
		history:  history,
		engine:   engine,
		rates:    rates,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
	}
}

// DetectOrphans returns cashouts stuck in an orphanable status past the
// timeout. The cutoff is computed in UTC, matching the stored timestamps.
func (r *Reconciler) DetectOrphans(ctx context.Context, limit int) ([]*cashout.Cashout, error) {
	cutoff := time.Now().UTC().Add(-r.timeout)
	orphans, err := r.cashouts.ListOrphaned(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned cashouts: %w", err)
	}
	if len(orphans) > 0 {
		metrics.OrphansDetected.Add(float64(len(orphans)))
	}
	return orphans, nil
}

// RunCleanupCycle detects and reconciles orphans. One orphan failing never
// stops the sweep.
func (r *Reconciler) RunCleanupCycle(ctx context.Context, limit int) (*CycleReport, error) {
	ctx, span := traces.StartSpan(ctx, "orphan.cleanup_cycle")
	defer span.End()

	orphans, err := r.DetectOrphans(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &CycleReport{
		Found:   len(orphans),
		Results: make(map[string]Disposition, len(orphans)),
	}
	for _, co := range orphans {
		disp := r.Reconcile(ctx, co)
		report.Results[co.ID] = disp
		switch disp {
		case DispositionCleaned, DispositionAlreadyDone:
			report.Cleaned++
		case DispositionSecurityBlock:
			report.Blocked++
		case DispositionFailed:
			report.Failed++
		}
	}

	if report.Found > 0 {
		r.logger.Info("orphan cleanup cycle finished",
			"found", report.Found, "cleaned", report.Cleaned,
			"blocked", report.Blocked, "failed", report.Failed)
	}
	return report, nil
}

// Reconcile returns one orphan's debit to the wallet. The sequence is
// deliberate: re-validate the status (a sweep list can be stale), prove the
// debit exists in the ledger, size the refund from the debit record, run it
// through the engine, and only then cancel the cashout. A duplicate outcome
// still cancels: it means a previous run credited but died before the status
// update, and this pass heals it.
func (r *Reconciler) Reconcile(ctx context.Context, co *cashout.Cashout) Disposition {
	ctx, span := traces.StartSpan(ctx, "orphan.reconcile",
		traces.CashoutID(co.ID), traces.UserID(co.UserID))
	defer span.End()

	current, err := r.cashouts.Get(ctx, co.ID)
	if err != nil {
		r.logger.Warn("orphan vanished before reconcile", "cashout", co.ID, "error", err)
		return DispositionSkipped
	}
	if !current.Status.Cancellable() {
		return DispositionSkipped
	}

	debit, err := r.history.FindDebit(ctx, co.UserID, co.ID, co.Amount)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		// A cashout with no matching debit must never be credited: that
		// would mint money. Block it and escalate.
		r.blockForReview(ctx, co, "no wallet debit found for orphaned cashout")
		return DispositionSecurityBlock
	}
	if err != nil {
		r.logger.Error("debit lookup failed", "cashout", co.ID, "error", err)
		return DispositionFailed
	}

	amountUSD, err := r.refundAmount(ctx, co, debit)
	if err != nil {
		r.logger.Error("could not size orphan refund", "cashout", co.ID, "error", err)
		return DispositionFailed
	}

	result := r.engine.ProcessTradeRefund(ctx, refund.Trade{
		ID:       co.ID,
		BuyerID:  co.UserID,
		Amount:   amountUSD,
		BuyerFee: decimal.Zero,
	}, refund.ReasonOrphanCleanup)

	switch result.Outcome {
	case refund.OutcomeSuccess:
		r.cancel(ctx, co)
		metrics.OrphansCleaned.Inc()
		r.logger.Info("orphaned cashout reconciled",
			"cashout", co.ID, "user", co.UserID, "refunded", result.AmountRefunded.StringFixed(2))
		return DispositionCleaned
	case refund.OutcomeDuplicate:
		r.cancel(ctx, co)
		return DispositionAlreadyDone
	case refund.OutcomeIneligible, refund.OutcomePolicyBlocked:
		r.blockForReview(ctx, co, result.Message)
		return DispositionSecurityBlock
	default:
		r.logger.Error("orphan refund failed", "cashout", co.ID, "message", result.Message)
		return DispositionFailed
	}
}

// refundAmount sizes the refund in USD from the proven debit record. The
// debit is preferred over the cashout's own amount because the debit is what
// actually left the wallet. Crypto-tagged debits split by record format:
// legacy rows store the USD value under the asset's currency code and pass
// through unchanged, while direct-crypto rows are denominated in the asset
// and convert at the current rate.
func (r *Reconciler) refundAmount(ctx context.Context, co *cashout.Cashout, debit *ledger.Transaction) (decimal.Decimal, error) {
	amount := debit.Amount.Abs()
	if debit.Currency == money.USD || debit.Currency == "" {
		return amount, nil
	}
	if co.Kind == cashout.KindLegacyUSD {
		return amount, nil
	}

	usd, rate, err := r.rates.ConvertToUSD(ctx, amount, debit.Currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s %s: %w", amount, debit.Currency, err)
	}
	if rate.Estimated() {
		r.logger.Warn("orphan refund sized with an estimated rate",
			"cashout", co.ID, "currency", debit.Currency, "rate", rate.Value.String())
	}
	return usd, nil
}

func (r *Reconciler) cancel(ctx context.Context, co *cashout.Cashout) {
	ok, err := r.cashouts.Transition(ctx, co.ID, cashout.StatusCancelled, cashout.CancellableStatuses...)
	if err != nil {
		r.logger.Error("failed to cancel reconciled cashout", "cashout", co.ID, "error", err)
		return
	}
	if !ok {
		r.logger.Warn("reconciled cashout moved to a non-cancellable status", "cashout", co.ID)
	}
}

func (r *Reconciler) blockForReview(ctx context.Context, co *cashout.Cashout, why string) {
	r.notifier.NotifyAdmin(ctx, "orphan_security_block",
		fmt.Sprintf("orphaned cashout %s blocked from auto-refund: %s", co.ID, why),
		map[string]any{
			"cashoutId": co.ID,
			"userId":    co.UserID,
			"amount":    co.Amount.String(),
			"currency":  co.Currency,
			"reason":    why,
		})

	updated := *co
	updated.Status = cashout.StatusFailed
	updated.ErrorMessage = why
	if err := r.cashouts.Update(ctx, &updated); err != nil {
		r.logger.Error("failed to mark blocked cashout", "cashout", co.ID, "error", err)
	}
}
