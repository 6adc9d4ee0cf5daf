/*
claim.go - Claim state machine and benefit withdrawals

PURPOSE:
  Drives a claim from submission to completion. Every transition is checked
  against allowedTransitions and evaluated lazily against the clock: there
  are no timers, a time gate is simply an error until the boundary passes.

TIME GATES:
  - reject:       only while now < applied + ResponseWindow
  - auto-approve: only once now >= applied + ResponseWindow
  - withdraw:     first installment at once, then every WithdrawalInterval

WITHDRAWAL ORDERING:
  1. Commit: debit pool, advance counters, complete on the last month
  2. Payout through the rail
  3. On payout failure commit a reversal and restore the claim

SEE ALSO:
  - pool.go: Debit and Reverse
  - policy.go: Benefit duration and amount
*/
package insurance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/metrics"
)

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitClaim files the employee's one and only claim against a terminated
// employment. Entitlement is computed here and frozen on the claim.
func (s *Service) SubmitClaim(ctx context.Context, employee, employer ParticipantID, declaredEnd time.Time) (Claim, error) {
	var created Claim
	events, err := s.commit(ctx, "submit_claim", func(st Store, now time.Time) ([]Event, error) {
		emp, err := st.GetEmployment(ctx, employer, employee)
		if err != nil {
			return nil, fmt.Errorf("load employment: %w", err)
		}
		if !emp.Exists() {
			return nil, fmt.Errorf("%s/%s: %w", employer, employee, ErrEmploymentNotFound)
		}
		if emp.Active {
			return nil, ErrEmploymentStillActive
		}

		existing, err := st.GetClaim(ctx, employee)
		if err != nil {
			return nil, fmt.Errorf("load claim: %w", err)
		}
		if existing != nil && existing.Status != ClaimNone {
			return nil, fmt.Errorf("%s (%s): %w", employee, existing.Status, ErrClaimAlreadyExists)
		}
		if declaredEnd.IsZero() {
			return nil, ErrInvalidEndTime
		}

		months := generic.MonthsBetween(emp.StartTime, emp.EffectiveEnd(now))
		if months < s.policy.MinEmploymentMonths {
			return nil, &InsufficientDurationError{Months: months, Required: s.policy.MinEmploymentMonths}
		}

		created = Claim{
			EmployeeID:            employee,
			EmployerID:            employer,
			AppliedAt:             now,
			DeclaredEndDate:       declaredEnd,
			Status:                ClaimPending,
			BenefitDurationMonths: s.policy.BenefitDuration(months),
			MonthlyBenefit:        s.policy.MonthlyBenefit(emp.MonthlySalary),
			UpdatedAt:             now,
		}
		if err := st.SaveClaim(ctx, created); err != nil {
			return nil, fmt.Errorf("save claim: %w", err)
		}

		return []Event{{
			Type:       EventClaimSubmitted,
			EmployerID: employer,
			EmployeeID: employee,
			Amount:     created.MonthlyBenefit,
			Attributes: map[string]string{
				"benefit_duration_months": strconv.Itoa(created.BenefitDurationMonths),
				"employment_months":       strconv.Itoa(months),
			},
		}}, nil
	})
	if err != nil {
		return Claim{}, err
	}

	s.metrics.RecordTransition(string(ClaimNone), string(ClaimPending))
	s.publish(ctx, events)
	return created, nil
}

// =============================================================================
// EMPLOYER RESPONSE
// =============================================================================

// ApproveByEmployer approves a pending claim with the employer's confirmed
// end date. It has no deadline.
func (s *Service) ApproveByEmployer(ctx context.Context, employer, employee ParticipantID, confirmedEnd time.Time) (Claim, error) {
	var approved Claim
	events, err := s.commit(ctx, "approve_claim", func(st Store, now time.Time) ([]Event, error) {
		claim, err := s.pendingClaimOf(ctx, st, employer, employee)
		if err != nil {
			return nil, err
		}
		if confirmedEnd.IsZero() {
			return nil, ErrInvalidEndTime
		}
		events, err := s.approve(ctx, st, claim, confirmedEnd, employer, now)
		approved = *claim
		return events, err
	})
	if err != nil {
		return Claim{}, err
	}

	s.metrics.RecordTransition(string(ClaimPending), string(ClaimApproved))
	s.publish(ctx, events)
	return approved, nil
}

// RejectByEmployer rejects a pending claim while the response window is open.
func (s *Service) RejectByEmployer(ctx context.Context, employer, employee ParticipantID) (Claim, error) {
	var rejected Claim
	events, err := s.commit(ctx, "reject_claim", func(st Store, now time.Time) ([]Event, error) {
		claim, err := s.pendingClaimOf(ctx, st, employer, employee)
		if err != nil {
			return nil, err
		}
		if generic.Elapsed(claim.AppliedAt, now, s.policy.ResponseWindow) {
			return nil, &TimeGateError{Err: ErrResponsePeriodExpired, Boundary: claim.AppliedAt.Add(s.policy.ResponseWindow)}
		}

		claim.Status = ClaimRejected
		claim.UpdatedAt = now
		if err := st.SaveClaim(ctx, *claim); err != nil {
			return nil, fmt.Errorf("save claim: %w", err)
		}
		rejected = *claim

		return []Event{{Type: EventClaimRejected, EmployerID: employer, EmployeeID: employee}}, nil
	})
	if err != nil {
		return Claim{}, err
	}

	s.metrics.RecordTransition(string(ClaimPending), string(ClaimRejected))
	s.publish(ctx, events)
	return rejected, nil
}

// AutoApprove approves a claim the employer left unanswered for the whole
// response window. Anyone may call it. The confirmed end date is the one the
// employee declared.
func (s *Service) AutoApprove(ctx context.Context, employee ParticipantID) (Claim, error) {
	var approved Claim
	events, err := s.commit(ctx, "auto_approve_claim", func(st Store, now time.Time) ([]Event, error) {
		claim, err := s.claimOf(ctx, st, employee)
		if err != nil {
			return nil, err
		}
		if claim.Status != ClaimPending {
			return nil, fmt.Errorf("%s is %s: %w", employee, claim.Status, ErrClaimNotPending)
		}
		if !generic.Elapsed(claim.AppliedAt, now, s.policy.ResponseWindow) {
			return nil, &TimeGateError{Err: ErrTimeoutNotReached, Boundary: claim.AppliedAt.Add(s.policy.ResponseWindow)}
		}
		events, err := s.approve(ctx, st, claim, claim.DeclaredEndDate, ApprovedByAuto, now)
		approved = *claim
		return events, err
	})
	if err != nil {
		return Claim{}, err
	}

	s.metrics.RecordTransition(string(ClaimPending), string(ClaimApproved))
	s.publish(ctx, events)
	return approved, nil
}

// approve terminates the employment at confirmedEnd and approves the claim,
// both in the caller's transaction.
func (s *Service) approve(ctx context.Context, st Store, claim *Claim, confirmedEnd time.Time, by ParticipantID, now time.Time) ([]Event, error) {
	if !claim.Status.CanTransitionTo(ClaimApproved) {
		return nil, ErrClaimNotPending
	}

	var events []Event
	emp, err := st.GetEmployment(ctx, claim.EmployerID, claim.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("load employment: %w", err)
	}
	if emp.Exists() {
		wasActive := emp.Active
		emp.terminate(confirmedEnd)
		if err := st.SaveEmployment(ctx, *emp); err != nil {
			return nil, fmt.Errorf("save employment: %w", err)
		}
		if wasActive {
			events = append(events, terminatedEvent(*emp))
		}
	}

	claim.ConfirmedEndDate = confirmedEnd
	claim.Status = ClaimApproved
	claim.ApprovedAt = now
	claim.ApprovedBy = by
	claim.UpdatedAt = now
	if err := st.SaveClaim(ctx, *claim); err != nil {
		return nil, fmt.Errorf("save claim: %w", err)
	}

	return append(events, Event{
		Type:       EventClaimApproved,
		EmployerID: claim.EmployerID,
		EmployeeID: claim.EmployeeID,
		Amount:     claim.MonthlyBenefit,
		Attributes: map[string]string{
			"approved_by":        string(by),
			"auto":               strconv.FormatBool(by == ApprovedByAuto),
			"confirmed_end_date": confirmedEnd.UTC().Format(time.RFC3339),
		},
	}), nil
}

func (s *Service) claimOf(ctx context.Context, st Store, employee ParticipantID) (*Claim, error) {
	claim, err := st.GetClaim(ctx, employee)
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if claim == nil || claim.Status == ClaimNone {
		return nil, fmt.Errorf("%s: %w", employee, ErrClaimNotFound)
	}
	return claim, nil
}

// pendingClaimOf loads a claim the employer is allowed to answer.
func (s *Service) pendingClaimOf(ctx context.Context, st Store, employer, employee ParticipantID) (*Claim, error) {
	claim, err := s.claimOf(ctx, st, employee)
	if err != nil {
		return nil, err
	}
	if claim.EmployerID != employer {
		return nil, ErrNotAuthorized
	}
	if claim.Status != ClaimPending {
		return nil, fmt.Errorf("%s is %s: %w", employee, claim.Status, ErrClaimNotPending)
	}
	return claim, nil
}

// =============================================================================
// WITHDRAWAL
// =============================================================================

// Withdraw pays the next monthly installment of an approved claim. The claim
// completes in the same commit as its last installment.
func (s *Service) Withdraw(ctx context.Context, employee ParticipantID) (Claim, error) {
	unlock, err := s.locker.TryLock(ctx, claimKey(employee))
	if err != nil {
		s.metrics.RecordOperation("withdraw", outcome(err))
		return Claim{}, err
	}
	defer unlock()

	var (
		before Claim
		after  Claim
		debit  generic.Transaction
	)
	events, err := s.commit(ctx, "withdraw", func(st Store, now time.Time) ([]Event, error) {
		claim, err := s.claimOf(ctx, st, employee)
		if err != nil {
			return nil, err
		}
		if claim.Status == ClaimCompleted || (claim.Status == ClaimApproved && claim.RemainingMonths() <= 0) {
			return nil, ErrBenefitsExhausted
		}
		if claim.Status != ClaimApproved {
			return nil, fmt.Errorf("%s is %s: %w", employee, claim.Status, ErrClaimNotApproved)
		}
		if next := claim.NextWithdrawalAt(s.policy.WithdrawalInterval); !claim.LastWithdrawalAt.IsZero() && now.Before(next) {
			return nil, &TimeGateError{Err: ErrWithdrawalTooSoon, Boundary: next}
		}

		before = *claim
		installment := claim.MonthsWithdrawn + 1

		// debit first: the payout happens only after this commits
		debit, err = s.poolFor(st).Debit(ctx, Movement{
			Amount:    claim.MonthlyBenefit,
			Account:   employee,
			Reference: fmt.Sprintf("%s#%d", employee, installment),
			Reason:    "benefit",
			At:        now,
		})
		if err != nil {
			return nil, err
		}

		claim.MonthsWithdrawn = installment
		claim.LastWithdrawalAt = now
		claim.UpdatedAt = now
		if claim.RemainingMonths() == 0 {
			claim.Status = ClaimCompleted
		}
		if err := st.SaveClaim(ctx, *claim); err != nil {
			return nil, fmt.Errorf("save claim: %w", err)
		}
		after = *claim

		return []Event{{
			Type:       EventBenefitWithdrawn,
			EmployerID: claim.EmployerID,
			EmployeeID: employee,
			Amount:     claim.MonthlyBenefit,
			Attributes: map[string]string{
				"installment":      strconv.Itoa(installment),
				"remaining_months": strconv.Itoa(claim.RemainingMonths()),
				"transaction_id":   string(debit.ID),
			},
		}}, nil
	})
	if err != nil {
		return Claim{}, err
	}

	if err := s.rail.Payout(ctx, employee, before.MonthlyBenefit); err != nil {
		s.metrics.RecordRailCall("payout", metrics.OutcomeError)
		s.compensate(ctx, before, debit, err)
		return Claim{}, &PaymentError{Op: "payout benefit", Err: err}
	}
	s.metrics.RecordRailCall("payout", metrics.OutcomeOK)

	if after.Status == ClaimCompleted {
		s.metrics.RecordTransition(string(ClaimApproved), string(ClaimCompleted))
	}
	s.publish(ctx, events)
	s.refreshPoolGauge(ctx)
	return after, nil
}

// compensate undoes a committed withdrawal whose payout failed: the debit is
// reversed and the claim goes back to its state before the withdrawal.
func (s *Service) compensate(ctx context.Context, before Claim, debit generic.Transaction, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.commit(ctx, "reverse_withdrawal", func(st Store, now time.Time) ([]Event, error) {
		if err := s.poolFor(st).Reverse(ctx, debit, now, "payout failed"); err != nil {
			return nil, err
		}
		if err := st.SaveClaim(ctx, before); err != nil {
			return nil, fmt.Errorf("restore claim: %w", err)
		}
		return []Event{{
			Type:       EventBenefitReversed,
			EmployerID: before.EmployerID,
			EmployeeID: before.EmployeeID,
			Amount:     before.MonthlyBenefit,
			Attributes: map[string]string{
				"transaction_id": string(debit.ID),
				"cause":          cause.Error(),
			},
		}}, nil
	})
	if err != nil {
		s.log.Error("failed to compensate withdrawal, pool and claim need reconciliation",
			zap.String("employee", string(before.EmployeeID)),
			zap.String("transaction_id", string(debit.ID)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("withdrawal reversed after payout failure",
		zap.String("employee", string(before.EmployeeID)),
		zap.String("transaction_id", string(debit.ID)),
		zap.Error(cause),
	)
}

// =============================================================================
// READS
// =============================================================================

// Claim returns the employee's claim, or a claim with status none if the
// employee never filed.
func (s *Service) Claim(ctx context.Context, employee ParticipantID) (Claim, error) {
	claim, err := s.store.GetClaim(ctx, employee)
	if err != nil {
		return Claim{}, err
	}
	if claim == nil {
		return Claim{EmployeeID: employee, Status: ClaimNone}, nil
	}
	return *claim, nil
}

// PendingClaimsDue lists pending claims whose response window has elapsed,
// i.e. those AutoApprove would accept now.
func (s *Service) PendingClaimsDue(ctx context.Context) ([]Claim, error) {
	pending, err := s.store.ListClaims(ctx, ClaimPending)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var due []Claim
	for _, c := range pending {
		if generic.Elapsed(c.AppliedAt, now, s.policy.ResponseWindow) {
			due = append(due, c)
		}
	}
	return due, nil
}
