package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer_id, seller_id, amount, buyer_fee, description, status,
	accepted_at, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5::NUMERIC(20,8), $6, $7, $8, $9, $10, $11)`,
		e.ID, e.BuyerID, e.SellerID, e.Amount.String(), e.BuyerFee.String(),
		nullString(e.Description), string(e.Status), nullTime(e.AcceptedAt),
		e.ExpiresAt, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status      = $2,
			accepted_at = $3,
			updated_at  = NOW()
		WHERE id = $1`,
		e.ID, string(e.Status), nullTime(e.AcceptedAt),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('pending', 'active') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status      string
		description sql.NullString
		acceptedAt  sql.NullTime
	)
	err := s.Scan(&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.BuyerFee,
		&description, &status, &acceptedAt, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Description = description.String
	if acceptedAt.Valid {
		t := acceptedAt.Time
		e.AcceptedAt = &t
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
