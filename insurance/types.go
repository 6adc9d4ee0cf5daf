/*
Package insurance implements the pooled unemployment-benefit domain.

PURPOSE:
  Employers pay a fixed premium for each employee into one shared pool.
  An employee who loses a long enough job files a claim; once the employer
  approves it (or stays silent past the response window) the claimant draws
  a frozen monthly benefit from the pool until the entitlement is exhausted.

COMPONENTS:
  Employment ledger:   employment.go, registry.go
  Premium pool:        pool.go
  Claim state machine: claim.go

CLAIM LIFECYCLE:
  ┌──────┐ submit ┌─────────┐ approve / auto-approve ┌──────────┐ last month ┌───────────┐
  │ none │──────▶│ pending │──────────────────────▶│ approved │──────────▶│ completed │
  └──────┘        └─────────┘                        └──────────┘            └───────────┘
                       │ reject (within window)
                       ▼
                  ┌──────────┐
                  │ rejected │
                  └──────────┘

SEE ALSO:
  - service.go: Service wiring, transactions, notifications
  - policy.go: Premium and benefit arithmetic
  - generic/: Ledger, amounts and clock the domain is built on
*/
package insurance

import (
	"time"

	"github.com/warp/benefit-pool/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ParticipantID identifies an employer or an employee. The identity provider
// vouches for it; the domain never re-validates it.
type ParticipantID string

// =============================================================================
// EMPLOYMENT
// =============================================================================

// Employment is the relationship between one employer and one employee.
//
// INVARIANTS:
//   - Active is true iff EndTime is zero.
//   - MonthlySalary is positive while Active.
//   - A zero StartTime means the record never existed.
type Employment struct {
	EmployerID        ParticipantID
	EmployeeID        ParticipantID
	StartTime         time.Time
	EndTime           time.Time
	MonthlySalary     generic.Amount
	TotalPremiumsPaid generic.Amount
	LastPremiumPaidAt time.Time
	Active            bool
}

func (e *Employment) Exists() bool { return e != nil && !e.StartTime.IsZero() }

// EffectiveEnd is the recorded end time once terminated, otherwise now.
func (e *Employment) EffectiveEnd(now time.Time) time.Time {
	if !e.Active && !e.EndTime.IsZero() {
		return e.EndTime
	}
	return now
}

func (e *Employment) terminate(end time.Time) {
	e.Active = false
	e.EndTime = end
}

// EmployeeEntry is one row of a batch registration.
type EmployeeEntry struct {
	EmployeeID    ParticipantID
	MonthlySalary generic.Amount
}

// =============================================================================
// CLAIM
// =============================================================================

type ClaimStatus string

const (
	ClaimNone      ClaimStatus = "none"
	ClaimPending   ClaimStatus = "pending"
	ClaimApproved  ClaimStatus = "approved"
	ClaimRejected  ClaimStatus = "rejected"
	ClaimCompleted ClaimStatus = "completed"
)

// allowedTransitions is the whole state machine. Anything not listed is
// refused, which keeps status monotonic.
var allowedTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimNone:     {ClaimPending},
	ClaimPending:  {ClaimApproved, ClaimRejected},
	ClaimApproved: {ClaimCompleted},
}

func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimRejected || s == ClaimCompleted
}

// ApprovedByAuto marks claims approved by the response-window timeout.
const ApprovedByAuto ParticipantID = "auto"

// Claim is an employee's request for benefits. There is at most one per
// employee, ever.
//
// BenefitDurationMonths and MonthlyBenefit are copied from the employment at
// submission and never recomputed, so later salary edits cannot change an
// entitlement.
type Claim struct {
	EmployeeID            ParticipantID
	EmployerID            ParticipantID
	AppliedAt             time.Time
	DeclaredEndDate       time.Time
	ConfirmedEndDate      time.Time
	Status                ClaimStatus
	BenefitDurationMonths int
	MonthlyBenefit        generic.Amount
	MonthsWithdrawn       int
	ApprovedAt            time.Time
	ApprovedBy            ParticipantID
	LastWithdrawalAt      time.Time
	UpdatedAt             time.Time
}

func (c *Claim) AutoApproved() bool { return c.ApprovedBy == ApprovedByAuto }

// RemainingMonths is the number of installments still payable.
func (c *Claim) RemainingMonths() int {
	return c.BenefitDurationMonths - c.MonthsWithdrawn
}

// NextWithdrawalAt is the earliest time the next installment may be drawn.
// The first installment is available immediately after approval.
func (c *Claim) NextWithdrawalAt(interval time.Duration) time.Time {
	if c.LastWithdrawalAt.IsZero() {
		return c.ApprovedAt
	}
	return c.LastWithdrawalAt.Add(interval)
}

// =============================================================================
// STATISTICS
// =============================================================================

type Stats struct {
	Employers      int
	Employees      int
	PoolBalance    generic.Amount
	TotalPremiums  generic.Amount
	TotalBenefits  generic.Amount
	ClaimsByStatus map[ClaimStatus]int
}
