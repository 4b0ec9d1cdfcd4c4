package cashout

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists cashouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed cashout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const cashoutColumns = `id, user_id, kind, amount, currency, destination, status,
	payout_id, error_message, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Cashout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cashouts (`+cashoutColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.UserID, string(c.Kind), c.Amount.String(), c.Currency,
		nullString(c.Destination), string(c.Status), nullString(c.PayoutID),
		nullString(c.ErrorMessage), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Cashout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cashoutColumns+` FROM cashouts WHERE id = $1`, id)
	c, err := scanCashout(row)
	if err == sql.ErrNoRows {
		return nil, ErrCashoutNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Cashout) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cashouts SET
			status        = $2,
			payout_id     = $3,
			error_message = $4,
			updated_at    = NOW()
		WHERE id = $1`,
		c.ID, string(c.Status), nullString(c.PayoutID), nullString(c.ErrorMessage),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCashoutNotFound
	}
	return nil
}

// Transition is a guarded status update. The WHERE clause carries the guard,
// so two processes racing on the same cashout cannot both win.
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cashouts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p *PostgresStore) ListOrphaned(ctx context.Context, before time.Time, limit int) ([]*Cashout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+cashoutColumns+`
		FROM cashouts
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`,
		pq.Array(statusStrings(OrphanableStatuses)), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCashouts(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+cashoutColumns+`
		FROM cashouts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCashouts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCashout(s scanner) (*Cashout, error) {
	c := &Cashout{}
	var (
		kind        string
		status      string
		destination sql.NullString
		payoutID    sql.NullString
		errMsg      sql.NullString
	)
	err := s.Scan(&c.ID, &c.UserID, &kind, &c.Amount, &c.Currency, &destination,
		&status, &payoutID, &errMsg, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.Status = Status(status)
	c.Destination = destination.String
	c.PayoutID = payoutID.String
	c.ErrorMessage = errMsg.String
	return c, nil
}

func scanCashouts(rows *sql.Rows) ([]*Cashout, error) {
	var result []*Cashout
	for rows.Next() {
		c, err := scanCashout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
