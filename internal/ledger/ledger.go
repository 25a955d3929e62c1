// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrNoWallet          = errors.New("ledger: wallet not found")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
)

// Ledger is the wallet collaborator consumed by settlement. Calls are
// idempotency-agnostic: the caller owns duplicate avoidance.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, reason string) error
	Credit(ctx context.Context, userID string, amount int64, reason string) error
}

// Wallets adds the account-management surface the gateway needs on top of
// the settlement calls.
type Wallets interface {
	Ledger
	CreateWallet(ctx context.Context, userID string, opening int64) error
	Balance(ctx context.Context, userID string) (int64, error)
}
