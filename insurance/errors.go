/*
errors.go - Business errors of the benefit pool

PURPOSE:
  Every precondition failure is typed. Callers branch with errors.Is on the
  sentinels; structured errors carry the numbers behind the refusal and
  unwrap to their sentinel.

ERROR CATEGORIES:
  1. Authorization  - caller is not allowed (IsAuthorization)
  2. State          - record in the wrong state (IsConflict)
  3. Time gates     - too early or too late (IsTimeGate)
  4. Values         - malformed input (IsClientError)
  5. Resources      - pool or entitlement exhausted (IsResourceExhausted)
  6. Not found      - record absent (IsNotFound)

None of these are retried internally. A failed call commits nothing.
*/
package insurance

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/benefit-pool/generic"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Authorization
	ErrNotAuthorized         = errors.New("not authorized")
	ErrEmployerNotRegistered = errors.New("employer not registered")

	// State
	ErrAlreadyRegistered       = errors.New("already registered")
	ErrEmploymentAlreadyExists = errors.New("duplicate employment: active employment already exists")
	ErrEmploymentNotActive     = errors.New("employment not active")
	ErrEmploymentStillActive   = errors.New("employment still active")
	ErrClaimAlreadyExists      = errors.New("claim already exists")
	ErrClaimNotPending         = errors.New("claim not pending")
	ErrClaimNotApproved        = errors.New("claim not approved")

	// Time gates
	ErrResponsePeriodExpired = errors.New("response period expired")
	ErrTimeoutNotReached     = errors.New("confirmation period not expired")
	ErrWithdrawalTooSoon     = errors.New("withdrawal too soon")

	// Values
	ErrInvalidSalary        = errors.New("invalid salary amount")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrAmountMismatch       = errors.New("amount mismatch")
	ErrInvalidEndTime       = errors.New("invalid end time")
	ErrInsufficientDuration = errors.New("insufficient employment duration")

	// Resources
	ErrInsufficientFunds = errors.New("insufficient pool funds")
	ErrBenefitsExhausted = errors.New("all benefits withdrawn")

	// Not found
	ErrEmploymentNotFound = errors.New("employment not found")
	ErrClaimNotFound      = errors.New("claim not found")

	// Infrastructure
	ErrPaymentFailed = errors.New("payment rail failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AmountMismatchError is returned when a premium deposit is not exactly the
// computed premium.
type AmountMismatchError struct {
	Expected generic.Amount
	Actual   generic.Amount
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// InsufficientFundsError is returned when the pool cannot cover a benefit.
type InsufficientFundsError struct {
	Available generic.Amount
	Requested generic.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient pool funds: available %s, requested %s", e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientDurationError is returned when an employment is too short to
// claim on.
type InsufficientDurationError struct {
	Months   int
	Required int
}

func (e *InsufficientDurationError) Error() string {
	return fmt.Sprintf("insufficient employment duration: %d months, need %d", e.Months, e.Required)
}

func (e *InsufficientDurationError) Unwrap() error { return ErrInsufficientDuration }

// TimeGateError reports a call made on the wrong side of a time boundary.
// Boundary is the instant the outcome flips.
type TimeGateError struct {
	Err      error
	Boundary time.Time
}

func (e *TimeGateError) Error() string {
	return fmt.Sprintf("%v (boundary %s)", e.Err, e.Boundary.UTC().Format(time.RFC3339))
}

func (e *TimeGateError) Unwrap() error { return e.Err }

// BatchEntryError names the batch row that sank a batch registration.
type BatchEntryError struct {
	Index      int
	EmployeeID ParticipantID
	Err        error
}

func (e *BatchEntryError) Error() string {
	return fmt.Sprintf("batch entry %d (%s): %v", e.Index, e.EmployeeID, e.Err)
}

func (e *BatchEntryError) Unwrap() error { return e.Err }

// PaymentError wraps a payment rail failure.
type PaymentError struct {
	Op  string
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPaymentFailed, e.Err)
}

func (e *PaymentError) Unwrap() []error { return []error{ErrPaymentFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotAuthorized) || errors.Is(err, ErrEmployerNotRegistered)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrEmploymentAlreadyExists) ||
		errors.Is(err, ErrEmploymentNotActive) ||
		errors.Is(err, ErrEmploymentStillActive) ||
		errors.Is(err, ErrClaimAlreadyExists) ||
		errors.Is(err, ErrClaimNotPending) ||
		errors.Is(err, ErrClaimNotApproved)
}

func IsTimeGate(err error) bool {
	return errors.Is(err, ErrResponsePeriodExpired) ||
		errors.Is(err, ErrTimeoutNotReached) ||
		errors.Is(err, ErrWithdrawalTooSoon)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSalary) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrInvalidEndTime) ||
		errors.Is(err, ErrInsufficientDuration)
}

func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrBenefitsExhausted)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmploymentNotFound) || errors.Is(err, ErrClaimNotFound)
}
