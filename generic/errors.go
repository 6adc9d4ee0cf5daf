/*
errors.go - Centralized error types for the generic engine

PURPOSE:
  Engine-level errors shared by ledgers, stores and lockers. Domain packages
  define their own business errors and wrap these with context.

ERROR CATEGORIES:
  1. Ledger errors - Transaction persistence and solvency failures
  2. Concurrency errors - Contended keys, retryable by the caller
  3. Store errors - Database-level failures

SEE ALSO:
  - ledger.go: Uses these errors
  - insurance/errors.go: Domain errors built on top
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransactionFailed is returned when a transaction cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrInsufficientBalance is returned when a debit exceeds the ledger balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnitMismatch is returned when amounts of different currencies meet.
	ErrUnitMismatch = errors.New("currency unit mismatch")

	// ErrNonPositiveAmount is returned when a movement is zero or negative.
	ErrNonPositiveAmount = errors.New("amount must be positive")

	// ErrConcurrentModification is returned when a key is already being
	// mutated by another call. The caller may retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %v, requested %v",
		e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
