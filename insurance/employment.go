package insurance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/metrics"
)

// =============================================================================
// PREMIUMS
// =============================================================================

// DepositPremium collects exactly one premium from employer and credits the
// pool.
//
// Sequence:
//  1. Lock the employment key
//  2. Validate against the current employment (no writes)
//  3. Collect the amount through the rail
//  4. Commit: re-validate, credit pool, accumulate on the employment
//
// If step 4 fails the collected amount is paid back to the employer.
func (s *Service) DepositPremium(ctx context.Context, employer, employee ParticipantID, amount generic.Amount) error {
	unlock, err := s.locker.TryLock(ctx, employmentKey(employer, employee))
	if err != nil {
		s.metrics.RecordOperation("deposit_premium", outcome(err))
		return err
	}
	defer unlock()

	emp, err := s.store.GetEmployment(ctx, employer, employee)
	if err != nil {
		return fmt.Errorf("load employment: %w", err)
	}
	if err := s.checkPremium(emp, amount); err != nil {
		s.metrics.RecordOperation("deposit_premium", outcome(err))
		return err
	}

	if err := s.rail.Collect(ctx, employer, amount); err != nil {
		s.metrics.RecordRailCall("collect", metrics.OutcomeError)
		s.metrics.RecordOperation("deposit_premium", metrics.OutcomeError)
		return &PaymentError{Op: "collect premium", Err: err}
	}
	s.metrics.RecordRailCall("collect", metrics.OutcomeOK)

	events, err := s.commit(ctx, "deposit_premium", func(st Store, now time.Time) ([]Event, error) {
		emp, err := st.GetEmployment(ctx, employer, employee)
		if err != nil {
			return nil, fmt.Errorf("load employment: %w", err)
		}
		if err := s.checkPremium(emp, amount); err != nil {
			return nil, err
		}

		tx, err := s.poolFor(st).Credit(ctx, Movement{
			Amount:    amount,
			Account:   employer,
			Reference: employmentKey(employer, employee),
			Reason:    "premium",
			At:        now,
		})
		if err != nil {
			return nil, err
		}

		emp.TotalPremiumsPaid = emp.TotalPremiumsPaid.Add(amount)
		emp.LastPremiumPaidAt = now
		if err := st.SaveEmployment(ctx, *emp); err != nil {
			return nil, fmt.Errorf("save employment: %w", err)
		}

		return []Event{{
			Type:       EventPremiumDeposited,
			EmployerID: employer,
			EmployeeID: employee,
			Amount:     amount,
			Attributes: map[string]string{"transaction_id": string(tx.ID)},
		}}, nil
	})
	if err != nil {
		s.refund(ctx, employer, amount, err)
		return err
	}

	s.publish(ctx, events)
	s.refreshPoolGauge(ctx)
	return nil
}

func (s *Service) checkPremium(emp *Employment, amount generic.Amount) error {
	if !emp.Exists() || !emp.Active {
		return ErrEmploymentNotActive
	}
	expected := s.policy.ExpectedPremium(emp.MonthlySalary)
	if !amount.Equal(expected) {
		return &AmountMismatchError{Expected: expected, Actual: amount}
	}
	if !expected.IsPositive() {
		return fmt.Errorf("%w: premium rounds to zero for salary %s", ErrInvalidAmount, emp.MonthlySalary)
	}
	return nil
}

// refund returns a collected premium whose commit failed.
func (s *Service) refund(ctx context.Context, employer ParticipantID, amount generic.Amount, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.rail.Payout(ctx, employer, amount); err != nil {
		s.metrics.RecordRailCall("refund", metrics.OutcomeError)
		s.log.Error("failed to refund collected premium",
			zap.String("employer", string(employer)),
			zap.Stringer("amount", amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordRailCall("refund", metrics.OutcomeOK)
}

// =============================================================================
// EMPLOYMENT CHANGES
// =============================================================================

// UpdateSalary changes the current salary of an active employment. A claim
// already submitted keeps its frozen benefit.
func (s *Service) UpdateSalary(ctx context.Context, employer, employee ParticipantID, salary generic.Amount) error {
	events, err := s.commit(ctx, "update_salary", func(st Store, now time.Time) ([]Event, error) {
		emp, err := s.activeEmployment(ctx, st, employer, employee)
		if err != nil {
			return nil, err
		}
		if !s.policy.validSalary(salary) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSalary, salary)
		}

		previous := emp.MonthlySalary
		emp.MonthlySalary = salary
		if err := st.SaveEmployment(ctx, *emp); err != nil {
			return nil, fmt.Errorf("save employment: %w", err)
		}

		return []Event{{
			Type:       EventSalaryUpdated,
			EmployerID: employer,
			EmployeeID: employee,
			Amount:     salary,
			Attributes: map[string]string{"previous_salary": previous.Value.String()},
		}}, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}

// TerminateEmployment ends an active employment at end.
func (s *Service) TerminateEmployment(ctx context.Context, employer, employee ParticipantID, end time.Time) error {
	events, err := s.commit(ctx, "terminate_employment", func(st Store, now time.Time) ([]Event, error) {
		emp, err := s.activeEmployment(ctx, st, employer, employee)
		if err != nil {
			return nil, err
		}
		if end.IsZero() {
			return nil, ErrInvalidEndTime
		}

		emp.terminate(end)
		if err := st.SaveEmployment(ctx, *emp); err != nil {
			return nil, fmt.Errorf("save employment: %w", err)
		}
		return []Event{terminatedEvent(*emp)}, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}

func (s *Service) activeEmployment(ctx context.Context, st Store, employer, employee ParticipantID) (*Employment, error) {
	emp, err := st.GetEmployment(ctx, employer, employee)
	if err != nil {
		return nil, fmt.Errorf("load employment: %w", err)
	}
	if !emp.Exists() || !emp.Active {
		return nil, fmt.Errorf("%s/%s: %w", employer, employee, ErrEmploymentNotActive)
	}
	return emp, nil
}

func terminatedEvent(emp Employment) Event {
	return Event{
		Type:       EventEmploymentTerminated,
		EmployerID: emp.EmployerID,
		EmployeeID: emp.EmployeeID,
		Attributes: map[string]string{"end_time": emp.EndTime.UTC().Format(time.RFC3339)},
	}
}

// =============================================================================
// READS
// =============================================================================

// Employment returns the record for the pair or ErrEmploymentNotFound.
func (s *Service) Employment(ctx context.Context, employer, employee ParticipantID) (Employment, error) {
	emp, err := s.store.GetEmployment(ctx, employer, employee)
	if err != nil {
		return Employment{}, err
	}
	if !emp.Exists() {
		return Employment{}, ErrEmploymentNotFound
	}
	return *emp, nil
}

func (s *Service) ListEmployments(ctx context.Context, employer ParticipantID) ([]Employment, error) {
	return s.store.ListEmployments(ctx, employer)
}

// DurationMonths is the number of whole 30-day months from start to the end
// time, or to now while the employment is active.
func (s *Service) DurationMonths(ctx context.Context, employer, employee ParticipantID) (int, error) {
	emp, err := s.Employment(ctx, employer, employee)
	if err != nil {
		return 0, err
	}
	return generic.MonthsBetween(emp.StartTime, emp.EffectiveEnd(s.clock.Now())), nil
}
