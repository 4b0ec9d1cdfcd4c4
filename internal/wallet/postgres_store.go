package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists wallet balances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID, currency string) (*Wallet, error) {
	w := &Wallet{UserID: userID, Currency: currency}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, updated_at
		FROM wallets WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&w.Balance, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Credit upserts the wallet row with a scoped balance increment.
func (p *PostgresStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	_, err := p.db.ExecContext(ctx, creditSQL, userID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	return nil
}

// Debit decrements the balance. The CHECK constraint (balance >= 0) rejects
// overdrafts at the database level.
func (p *PostgresStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $3::NUMERIC(20,8),
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, userID, currency, amount.String())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23514" {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// No wallet row means a zero balance, and a zero balance cannot
		// cover a debit.
		return ErrInsufficientBalance
	}
	return nil
}

// creditSQL is shared with CreditTx so standalone and transactional credits
// cannot drift apart.
const creditSQL = `
	INSERT INTO wallets (user_id, currency, balance, updated_at)
	VALUES ($1, $2, $3::NUMERIC(20,8), NOW())
	ON CONFLICT (user_id, currency) DO UPDATE SET
		balance    = wallets.balance + $3::NUMERIC(20,8),
		updated_at = NOW()`

// CreditTx applies a credit inside the caller's transaction. Used by the
// refund engine so the wallet credit commits or rolls back together with the
// ledger entry.
func CreditTx(ctx context.Context, tx *sql.Tx, userID, currency string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, creditSQL, userID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	return nil
}

// BalanceTx reads a balance inside the caller's transaction.
func BalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	return balance, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
