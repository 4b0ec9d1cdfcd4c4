package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/metrics"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/traces"
)

// Outcome classifies a refund attempt. Duplicate and policy-blocked are
// siblings of success and failure, not error conditions.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIneligible    Outcome = "ineligible"
	OutcomePolicyBlocked Outcome = "policy_blocked"
	OutcomeFailed        Outcome = "failed"
)

// Result is the engine's structured return value. Raw errors never cross
// the engine boundary: sweeps calling into the engine must keep going.
type Result struct {
	Outcome        Outcome         `json:"outcome"`
	AmountRefunded decimal.Decimal `json:"amountRefunded"`
	TransactionID  string          `json:"transactionId,omitempty"`
	Message        string          `json:"message,omitempty"`
	Verdict        *Verdict        `json:"verdict,omitempty"`
}

// Success reports whether funds moved in this attempt.
func (r Result) Success() bool { return r.Outcome == OutcomeSuccess }

// Duplicate reports whether a previous or concurrent attempt already moved
// the funds.
func (r Result) Duplicate() bool { return r.Outcome == OutcomeDuplicate }

// BatchReport aggregates a sweep over many trades. One trade's failure never
// stops the sweep.
type BatchReport struct {
	Processed  int               `json:"processed"`
	Succeeded  int               `json:"succeeded"`
	Duplicates int               `json:"duplicates"`
	Skipped    int               `json:"skipped"` // ineligible or policy-blocked
	Failed     int               `json:"failed"`
	Results    map[string]Result `json:"results"` // trade ID -> result
}

// Engine atomically applies refunds once eligibility is confirmed, with
// duplicate prevention independent of the eligibility calculator.
type Engine struct {
	store    Store
	calc     *Calculator
	notifier Notifier
	events   EventSink // optional
	disabled map[Reason]bool
	logger   *slog.Logger
}

// NewEngine creates a refund execution engine. disabledReasons lists
// cancellation reasons whose refunds must escalate to an operator instead of
// auto-executing.
func NewEngine(store Store, calc *Calculator, notifier Notifier, disabledReasons []string, logger *slog.Logger) *Engine {
	disabled := make(map[Reason]bool, len(disabledReasons))
	for _, s := range disabledReasons {
		disabled[Reason(s)] = true
	}
	return &Engine{
		store:    store,
		calc:     calc,
		notifier: notifier,
		disabled: disabled,
		logger:   logger,
	}
}

// WithEvents attaches an event sink for the ops feed.
func (e *Engine) WithEvents(sink EventSink) *Engine {
	e.events = sink
	return e
}

// ProcessTradeRefund runs the full refund sequence for one trade. The
// critical section (cycle insert → wallet credit → transaction record → key
// registration) executes inside a single database transaction in the store;
// the cycle insert going first is what makes a constraint violation safe to
// read as "already refunded, nothing credited here".
func (e *Engine) ProcessTradeRefund(ctx context.Context, trade Trade, reason Reason) Result {
	ctx, span := traces.StartSpan(ctx, "refund.process",
		traces.EscrowID(trade.ID), traces.UserID(trade.BuyerID), traces.Reason(string(reason)))
	defer span.End()

	result := e.process(ctx, trade, reason)

	metrics.RefundsTotal.WithLabelValues(string(result.Outcome)).Inc()
	if result.Success() {
		f, _ := result.AmountRefunded.Float64()
		metrics.RefundAmountUSD.Observe(f)
	}
	return result
}

func (e *Engine) process(ctx context.Context, trade Trade, reason Reason) Result {
	if !reason.Valid() {
		// Unknown reasons fail closed: no money moves, a human looks.
		e.notifier.NotifyAdmin(ctx, "unknown_reason",
			fmt.Sprintf("refund for %s blocked: unknown reason %q", trade.ID, reason),
			map[string]any{"entityId": trade.ID, "reason": string(reason)})
		return Result{Outcome: OutcomePolicyBlocked, Message: fmt.Sprintf("unknown cancellation reason %q", reason)}
	}

	if e.disabled[reason] {
		e.notifier.NotifyAdmin(ctx, "auto_refund_disabled",
			fmt.Sprintf("automatic refunds are disabled for reason %q; entity %s needs manual review", reason, trade.ID),
			map[string]any{"entityId": trade.ID, "userId": trade.BuyerID, "reason": string(reason)})
		return Result{Outcome: OutcomePolicyBlocked, Message: "automatic refunds disabled by policy, escalated to operator"}
	}

	cycleID := CycleID(trade.ID, reason)

	// Fast path: a cycle entry means a previous attempt already credited.
	if entry, err := e.store.GetCycle(ctx, trade.ID, trade.BuyerID, cycleID); err == nil {
		return Result{
			Outcome:        OutcomeDuplicate,
			AmountRefunded: decimal.Zero,
			Message:        fmt.Sprintf("refund already processed (%s credited)", money.FormatUSD(entry.Amount)),
		}
	} else if !errors.Is(err, ErrCycleNotFound) {
		return e.fail(ctx, trade, reason, fmt.Errorf("cycle lookup: %w", err))
	}

	verdict := e.calc.Evaluate(ctx, trade, reason)
	if !verdict.Eligible {
		return Result{Outcome: OutcomeIneligible, Message: verdict.Reason, Verdict: &verdict}
	}

	key := GenerateKey(trade.ID, trade.BuyerID, verdict.ShouldRefund, reason, "refund_engine")

	record := &Refund{
		ID:             idgen.WithPrefix("rf_"),
		EntityID:       trade.ID,
		UserID:         trade.BuyerID,
		Amount:         verdict.ShouldRefund,
		Currency:       money.USD,
		Status:         StatusPending,
		IdempotencyKey: key,
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateRefund(ctx, record); err != nil {
		if errors.Is(err, ErrKeyAlreadyRegistered) {
			// Another attempt holds a live record under this key, so its
			// credit either committed or is in flight. Nothing moved here.
			return Result{
				Outcome:        OutcomeDuplicate,
				AmountRefunded: decimal.Zero,
				Message:        "refund already in progress under this idempotency key",
			}
		}
		return e.fail(ctx, trade, reason, fmt.Errorf("create refund record: %w", err))
	}

	txID := idgen.WithPrefix("txn_")
	applied, err := e.store.Apply(ctx, &Application{
		Entry: CycleEntry{
			CycleID:        cycleID,
			EntityID:       trade.ID,
			BeneficiaryID:  trade.BuyerID,
			Reason:         reason,
			Amount:         verdict.ShouldRefund,
			Currency:       money.USD,
			TransactionID:  txID,
			IdempotencyKey: key,
			Context: map[string]string{
				"fee_refunded": fmt.Sprintf("%t", verdict.FeeRefunded),
				"funding":      verdict.Funding.StringFixed(2),
			},
			CreatedAt: time.Now().UTC(),
		},
		Transaction: ledger.Transaction{
			ID:          txID,
			UserID:      trade.BuyerID,
			Type:        ledger.TypeEscrowRefund,
			Amount:      verdict.ShouldRefund,
			Currency:    money.USD,
			Status:      ledger.StatusCompleted,
			Description: reason.Description(verdict.ShouldRefund, verdict.FeeRefunded),
			RelatedID:   trade.ID,
			CreatedAt:   time.Now().UTC(),
		},
	})
	if errors.Is(err, ErrDuplicateCycle) || errors.Is(err, ErrKeyAlreadyRegistered) {
		// A concurrent caller won the constraint. Expected, not a failure.
		e.markFailed(ctx, record, "duplicate refund cycle detected, no funds credited")
		return Result{
			Outcome:        OutcomeDuplicate,
			AmountRefunded: decimal.Zero,
			Message:        "refund already processed by a concurrent attempt",
		}
	}
	if err != nil {
		e.markFailed(ctx, record, err.Error())
		return e.fail(ctx, trade, reason, fmt.Errorf("apply refund: %w", err))
	}

	record.Status = StatusCompleted
	record.BalanceBefore = applied.BalanceBefore
	record.BalanceAfter = applied.BalanceAfter
	if err := e.store.UpdateRefund(ctx, record); err != nil {
		// Funds moved and the cycle entry is committed; the audit record
		// being stale is log-worthy but must not be reported as a failed
		// refund.
		e.logger.Error("refund completed but record update failed",
			"refund", record.ID, "entity", trade.ID, "error", err)
	}

	e.logger.Info("refund completed",
		"entity", trade.ID,
		"beneficiary", trade.BuyerID,
		"amount", verdict.ShouldRefund.StringFixed(2),
		"reason", string(reason),
		"fee_refunded", verdict.FeeRefunded,
	)
	if e.events != nil {
		e.events.Emit("refund.completed", map[string]any{
			"entityId": trade.ID,
			"userId":   trade.BuyerID,
			"amount":   verdict.ShouldRefund.StringFixed(2),
			"reason":   string(reason),
		})
	}

	return Result{
		Outcome:        OutcomeSuccess,
		AmountRefunded: verdict.ShouldRefund,
		TransactionID:  txID,
		Verdict:        &verdict,
	}
}

// ProcessExpired refunds a batch of expired trades. Each trade runs in its
// own store transaction so one failure cannot roll back another's success.
func (e *Engine) ProcessExpired(ctx context.Context, trades []Trade) BatchReport {
	report := BatchReport{Results: make(map[string]Result, len(trades))}
	for _, trade := range trades {
		result := e.ProcessTradeRefund(ctx, trade, ReasonExpired)
		report.Processed++
		report.Results[trade.ID] = result
		switch result.Outcome {
		case OutcomeSuccess:
			report.Succeeded++
		case OutcomeDuplicate:
			report.Duplicates++
		case OutcomeIneligible, OutcomePolicyBlocked:
			report.Skipped++
		case OutcomeFailed:
			report.Failed++
		}
	}
	return report
}

// ArchiveFailed archives failed refund records older than the retention
// window. Archival preserves the audit trail; nothing is deleted.
func (e *Engine) ArchiveFailed(ctx context.Context, retention time.Duration) (int, error) {
	n, err := e.store.ArchiveFailed(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("archived failed refund records", "count", n)
	}
	return n, nil
}

func (e *Engine) fail(ctx context.Context, trade Trade, reason Reason, err error) Result {
	e.logger.Error("refund attempt failed",
		"entity", trade.ID, "beneficiary", trade.BuyerID, "reason", string(reason), "error", err)
	return Result{Outcome: OutcomeFailed, Message: err.Error()}
}

func (e *Engine) markFailed(ctx context.Context, record *Refund, message string) {
	now := time.Now().UTC()
	record.Status = StatusFailed
	record.ErrorMessage = message
	record.FailedAt = &now
	if err := e.store.UpdateRefund(ctx, record); err != nil {
		e.logger.Warn("failed to update refund record", "refund", record.ID, "error", err)
	}
}
