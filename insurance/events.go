package insurance

import (
	"context"
	"time"

	"github.com/warp/benefit-pool/generic"
)

// =============================================================================
// EVENTS - Observable side effects of successful mutations
// =============================================================================

type EventType string

const (
	EventEmployerRegistered   EventType = "employer_registered"
	EventEmployeeRegistered   EventType = "employee_registered"
	EventEmploymentTerminated EventType = "employment_terminated"
	EventPremiumDeposited     EventType = "premium_deposited"
	EventSalaryUpdated        EventType = "salary_updated"
	EventClaimSubmitted       EventType = "claim_submitted"
	EventClaimApproved        EventType = "claim_approved"
	EventClaimRejected        EventType = "claim_rejected"
	EventBenefitWithdrawn     EventType = "benefit_withdrawn"

	// EventBenefitReversed is audit-only: it records a withdrawal whose
	// payout failed and was compensated. It is never published.
	EventBenefitReversed EventType = "benefit_reversed"
)

// Event is appended to the audit log inside the mutation's store transaction
// and published to the Notifier once the transaction commits.
type Event struct {
	ID         string
	Type       EventType
	EmployerID ParticipantID
	EmployeeID ParticipantID
	Amount     generic.Amount
	At         time.Time
	Attributes map[string]string
}

// EventFilter narrows an audit log query. Zero fields match everything.
type EventFilter struct {
	EmployerID ParticipantID
	EmployeeID ParticipantID
	Types      []EventType
	Limit      int // keep only the most recent Limit events
}

func (f EventFilter) Matches(e Event) bool {
	if f.EmployerID != "" && e.EmployerID != f.EmployerID {
		return false
	}
	if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Notifier delivers committed events to external observers.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// =============================================================================
// PAYMENT RAIL - Moves value in and out of the pool
// =============================================================================

// PaymentRail is the external mechanism that settles premiums and benefits.
// Calls are synchronous; any error is a hard failure of the calling operation.
type PaymentRail interface {
	// Unit is the currency the rail settles in.
	Unit() generic.Unit

	// Collect pulls exactly amount from payer into the pool.
	Collect(ctx context.Context, payer ParticipantID, amount generic.Amount) error

	// Payout pushes exactly amount from the pool to payee.
	Payout(ctx context.Context, payee ParticipantID, amount generic.Amount) error
}

// Locker serializes mutations per key. TryLock never waits: a held key
// fails with generic.ErrConcurrentModification.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}
