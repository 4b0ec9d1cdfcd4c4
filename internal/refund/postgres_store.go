package refund

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

// PostgresStore persists refund state in PostgreSQL. The uniqueness
// constraints on refund_cycles (entity_id, beneficiary_id, cycle_id) and
// refund_keys (key) are the cross-process concurrency primitive: Apply
// inserts into them first, and a 23505 from either means another attempt
// already holds the refund.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetCycle(ctx context.Context, entityID, beneficiaryID, cycleID string) (*CycleEntry, error) {
	entry := &CycleEntry{}
	var (
		reason string
		rawCtx []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT cycle_id, entity_id, beneficiary_id, reason, amount, currency,
		       transaction_id, idempotency_key, context, created_at
		FROM refund_cycles
		WHERE entity_id = $1 AND beneficiary_id = $2 AND cycle_id = $3
	`, entityID, beneficiaryID, cycleID).Scan(
		&entry.CycleID, &entry.EntityID, &entry.BeneficiaryID, &reason,
		&entry.Amount, &entry.Currency, &entry.TransactionID,
		&entry.IdempotencyKey, &rawCtx, &entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Reason = Reason(reason)
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &entry.Context); err != nil {
			return nil, fmt.Errorf("decode cycle context: %w", err)
		}
	}
	return entry, nil
}

// Apply runs the atomic refund sequence in a single serializable
// transaction. The cycle insert comes first so a constraint violation proves
// nothing was credited in this attempt.
func (p *PostgresStore) Apply(ctx context.Context, app *Application) (*Applied, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin refund transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rawCtx, err := json.Marshal(app.Entry.Context)
	if err != nil {
		return nil, fmt.Errorf("encode cycle context: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refund_cycles
			(cycle_id, entity_id, beneficiary_id, reason, amount, currency,
			 transaction_id, idempotency_key, context, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,8), $6, $7, $8, $9, $10)`,
		app.Entry.CycleID, app.Entry.EntityID, app.Entry.BeneficiaryID,
		string(app.Entry.Reason), app.Entry.Amount.String(), app.Entry.Currency,
		app.Entry.TransactionID, app.Entry.IdempotencyKey, rawCtx, app.Entry.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateCycle
	}
	if err != nil {
		return nil, fmt.Errorf("insert refund cycle: %w", err)
	}

	before, err := wallet.BalanceTx(ctx, tx, app.Entry.BeneficiaryID, app.Entry.Currency)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if err := wallet.CreditTx(ctx, tx, app.Entry.BeneficiaryID, app.Entry.Currency, app.Entry.Amount); err != nil {
		return nil, err
	}

	txn := app.Transaction
	if err := ledger.RecordTx(ctx, tx, &txn); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refund_keys (key, entity_id, created_at)
		VALUES ($1, $2, $3)`,
		app.Entry.IdempotencyKey, app.Entry.EntityID, app.Entry.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrKeyAlreadyRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("register idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit refund transaction: %w", err)
	}
	return &Applied{BalanceBefore: before, BalanceAfter: before.Add(app.Entry.Amount)}, nil
}

func (p *PostgresStore) IsKeyRegistered(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM refund_keys WHERE key = $1)
	`, key).Scan(&exists)
	return exists, err
}

const refundColumns = `id, entity_id, user_id, amount, currency, status, idempotency_key,
	reason, balance_before, balance_after, error_message, created_at, failed_at, archived_at`

func (p *PostgresStore) CreateRefund(ctx context.Context, r *Refund) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5, $6, $7, $8,
		        $9::NUMERIC(20,8), $10::NUMERIC(20,8), $11, $12, $13, $14)`,
		r.ID, r.EntityID, r.UserID, r.Amount.String(), r.Currency, string(r.Status),
		r.IdempotencyKey, string(r.Reason), r.BalanceBefore.String(), r.BalanceAfter.String(),
		nullString(r.ErrorMessage), r.CreatedAt, nullTime(r.FailedAt), nullTime(r.ArchivedAt),
	)
	// The partial unique index on idempotency_key admits one live (pending or
	// completed) record per key.
	if isUniqueViolation(err) {
		return ErrKeyAlreadyRegistered
	}
	return err
}

func (p *PostgresStore) UpdateRefund(ctx context.Context, r *Refund) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refunds SET
			status         = $2,
			balance_before = $3::NUMERIC(20,8),
			balance_after  = $4::NUMERIC(20,8),
			error_message  = $5,
			failed_at      = $6,
			archived_at    = $7
		WHERE id = $1`,
		r.ID, string(r.Status), r.BalanceBefore.String(), r.BalanceAfter.String(),
		nullString(r.ErrorMessage), nullTime(r.FailedAt), nullTime(r.ArchivedAt),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (p *PostgresStore) ListRefundsByEntity(ctx context.Context, entityID string) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE entity_id = $1
		ORDER BY created_at ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ArchiveFailed(ctx context.Context, before time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refunds SET status = 'archived', archived_at = NOW()
		WHERE status = 'failed' AND created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRefund(s scanner) (*Refund, error) {
	r := &Refund{}
	var (
		status     string
		reason     string
		errMsg     sql.NullString
		failedAt   sql.NullTime
		archivedAt sql.NullTime
	)
	err := s.Scan(&r.ID, &r.EntityID, &r.UserID, &r.Amount, &r.Currency, &status,
		&r.IdempotencyKey, &reason, &r.BalanceBefore, &r.BalanceAfter,
		&errMsg, &r.CreatedAt, &failedAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Reason = Reason(reason)
	r.ErrorMessage = errMsg.String
	if failedAt.Valid {
		t := failedAt.Time
		r.FailedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		r.ArchivedAt = &t
	}
	return r, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
