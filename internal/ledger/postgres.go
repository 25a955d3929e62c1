// internal/ledger/postgres.go
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Postgres keeps one wallet row per user plus an append-only entry journal.
// A debit is a single UPDATE guarded by balance >= amount, so concurrent
// debits can never drive a balance negative.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

var _ Wallets = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, log *logrus.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// InitSchema creates the wallet tables if absent.
func (l *Postgres) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_entries (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, q := range stmts {
		if _, err := l.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init wallet schema: %w", err)
		}
	}
	return nil
}

// CreateWallet opens a wallet with an opening balance. An existing wallet is
// left untouched.
func (l *Postgres) CreateWallet(ctx context.Context, userID string, opening int64) error {
	if opening < 0 {
		return ErrInvalidAmount
	}
	q := `
		INSERT INTO wallets (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := l.pool.Exec(ctx, q, userID, opening); err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (l *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	q := `SELECT balance FROM wallets WHERE user_id = $1`
	if err := l.pool.QueryRow(ctx, q, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoWallet
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (l *Postgres) Debit(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE wallets
			SET balance = balance - $1, updated_at = now()
			WHERE user_id = $2 AND balance >= $1
		`
		tag, err := tx.Exec(ctx, q, amount, userID)
		if err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
				return fmt.Errorf("check wallet: %w", err)
			}
			if !exists {
				return ErrNoWallet
			}
			return ErrInsufficientFunds
		}
		if err := journal(ctx, tx, userID, -amount, reason); err != nil {
			return err
		}
		return nil
	})
}

func (l *Postgres) Credit(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE wallets
			SET balance = balance + $1, updated_at = now()
			WHERE user_id = $2
		`
		tag, err := tx.Exec(ctx, q, amount, userID)
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNoWallet
		}
		return journal(ctx, tx, userID, amount, reason)
	})
}

func journal(ctx context.Context, tx pgx.Tx, userID string, amount int64, reason string) error {
	q := `INSERT INTO wallet_entries (user_id, amount, reason) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, q, userID, amount, reason); err != nil {
		return fmt.Errorf("journal entry: %w", err)
	}
	return nil
}
