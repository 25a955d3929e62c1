// internal/ledger/memory.go
package ledger

import (
	"context"
	"sync"
)

// Entry is one journal line kept by the in-memory ledger.
type Entry struct {
	UserID string
	Amount int64
	Reason string
}

// Memory is an in-process Wallets implementation for tests and embedding.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	journal  []Entry
}

var _ Wallets = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

func (l *Memory) CreateWallet(ctx context.Context, userID string, opening int64) error {
	if opening < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[userID]; !ok {
		l.balances[userID] = opening
	}
	return nil
}

func (l *Memory) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return 0, ErrNoWallet
	}
	return b, nil
}

func (l *Memory) Debit(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return ErrNoWallet
	}
	if b < amount {
		return ErrInsufficientFunds
	}
	l.balances[userID] = b - amount
	l.journal = append(l.journal, Entry{UserID: userID, Amount: -amount, Reason: reason})
	return nil
}

func (l *Memory) Credit(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[userID]; !ok {
		return ErrNoWallet
	}
	l.balances[userID] += amount
	l.journal = append(l.journal, Entry{UserID: userID, Amount: amount, Reason: reason})
	return nil
}

// Entries returns a copy of the journal, oldest first.
func (l *Memory) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.journal))
	copy(out, l.journal)
	return out
}
