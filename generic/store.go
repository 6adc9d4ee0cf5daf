/*
store.go - Persistence interface for ledger transactions

PURPOSE:
  Defines the interface between the ledger and the database. The Store
  handles persistence while maintaining append-only semantics. Different
  implementations can use SQLite or in-memory storage.

APPEND-ONLY CONTRACT:
  - Append(): Single transaction write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  A write carrying an idempotency key that already exists is rejected with
  ErrDuplicateIdempotencyKey. Reversals are keyed on the transaction they
  undo, so nothing is reversed twice.

IMPLEMENTATIONS:
  - store/memory: Full insurance store (embeds the ledger contract)
  - store/sqlite: SQLite-backed insurance store

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for transaction persistence (append-only)
// =============================================================================

// Store handles persistence of ledger transactions.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists a transaction. Returns error if idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// Load returns all transactions in append order.
	Load(ctx context.Context) ([]Transaction, error)

	// Exists checks if idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}
