/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the immutable source of truth for a balance. Every credit,
  debit and reversal is recorded here. Balance is always computed by
  replaying transactions - there's no separate "balance" field that can get
  out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)
  4. SOLVENT: Debit refuses to take the balance below zero

CORRECTIONS:
  A mistake is never edited. A Reversal transaction with the opposite sign
  is appended instead; both remain in the ledger.

SEE ALSO:
  - store.go: Low-level persistence interface
  - insurance/pool.go: The premium pool built on this ledger
*/
package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

type Ledger interface {
	// Append adds a transaction. Fails if the idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// Transactions returns every transaction in append order.
	Transactions(ctx context.Context) ([]Transaction, error)

	// Balance replays the ledger in the given unit.
	Balance(ctx context.Context, unit Unit) (Amount, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, tx)
}

func (l *DefaultLedger) Transactions(ctx context.Context) ([]Transaction, error) {
	return l.Store.Load(ctx)
}

func (l *DefaultLedger) Balance(ctx context.Context, unit Unit) (Amount, error) {
	txs, err := l.Store.Load(ctx)
	if err != nil {
		return Amount{}, err
	}

	balance := NewAmount(0, unit)
	for _, tx := range txs {
		if tx.Delta.Unit != unit {
			return Amount{}, fmt.Errorf("transaction %s in %s: %w", tx.ID, tx.Delta.Unit, ErrUnitMismatch)
		}
		balance = balance.Add(tx.Delta)
	}
	return balance, nil
}

// Debit appends a negative transaction only if the replayed balance covers
// it. The check and the append must run inside one store transaction for the
// guarantee to hold under concurrency.
func (l *DefaultLedger) Debit(ctx context.Context, tx Transaction) error {
	requested := tx.Delta.Neg()
	if !requested.IsPositive() {
		return ErrNonPositiveAmount
	}
	balance, err := l.Balance(ctx, requested.Unit)
	if err != nil {
		return err
	}
	if balance.LessThan(requested) {
		return &InsufficientBalanceError{Available: balance, Requested: requested}
	}
	return l.Append(ctx, tx)
}
