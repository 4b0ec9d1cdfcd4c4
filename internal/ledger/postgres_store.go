package ledger

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/pagination"
)

// PostgresStore persists transaction records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, user_id, type, amount, currency, status, description, related_id, created_at`

func (p *PostgresStore) Record(ctx context.Context, t *Transaction) error {
	if t.Amount.IsZero() {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, string(t.Type), t.Amount.String(), t.Currency,
		string(t.Status), nullString(t.Description), nullString(t.RelatedID), t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByRelated(ctx context.Context, relatedID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE related_id = $1
		ORDER BY created_at ASC`, relatedID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE user_id = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) FindDebit(ctx context.Context, userID, relatedID string, amount decimal.Decimal) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE user_id = $1
		  AND related_id = $2
		  AND status = 'completed'
		  AND type IN ('cashout', 'debit')
		  AND amount = -$3::NUMERIC(20,8)
		ORDER BY created_at ASC
		LIMIT 1`, userID, relatedID, amount.String())
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// RecordTx inserts a transaction inside the caller's transaction. Used by the
// refund engine so the ledger entry commits or rolls back together with the
// wallet credit.
func RecordTx(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	if t.Amount.IsZero() {
		return ErrInvalidAmount
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, string(t.Type), t.Amount.String(), t.Currency,
		string(t.Status), nullString(t.Description), nullString(t.RelatedID), t.CreatedAt,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ         string
		status      string
		description sql.NullString
		relatedID   sql.NullString
	)

	err := s.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.Currency, &status, &description, &relatedID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.Status = Status(status)
	t.Description = description.String
	t.RelatedID = relatedID.String
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
