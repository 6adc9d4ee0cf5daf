package insurance

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/benefit-pool/generic"
)

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterEmployer marks caller as an employer. Registering twice fails with
// ErrAlreadyRegistered.
func (s *Service) RegisterEmployer(ctx context.Context, caller ParticipantID) error {
	if caller == "" {
		return ErrNotAuthorized
	}
	events, err := s.commit(ctx, "register_employer", func(st Store, now time.Time) ([]Event, error) {
		registered, err := st.IsEmployer(ctx, caller)
		if err != nil {
			return nil, err
		}
		if registered {
			return nil, fmt.Errorf("employer %s: %w", caller, ErrAlreadyRegistered)
		}
		if err := st.SaveEmployer(ctx, caller, now); err != nil {
			return nil, fmt.Errorf("save employer: %w", err)
		}
		return []Event{{Type: EventEmployerRegistered, EmployerID: caller}}, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}

// RegisterEmployee starts an employment between employer and employee.
// A terminated employment for the same pair is replaced.
func (s *Service) RegisterEmployee(ctx context.Context, employer, employee ParticipantID, salary generic.Amount) error {
	events, err := s.commit(ctx, "register_employee", func(st Store, now time.Time) ([]Event, error) {
		if err := s.requireEmployer(ctx, st, employer); err != nil {
			return nil, err
		}
		return s.registerEmployee(ctx, st, employer, employee, salary, now)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}

// RegisterEmployeesBatch registers every entry or none of them. The first
// failing entry is reported as a *BatchEntryError.
func (s *Service) RegisterEmployeesBatch(ctx context.Context, employer ParticipantID, entries []EmployeeEntry) error {
	events, err := s.commit(ctx, "register_employees_batch", func(st Store, now time.Time) ([]Event, error) {
		if err := s.requireEmployer(ctx, st, employer); err != nil {
			return nil, err
		}

		var all []Event
		for i, entry := range entries {
			events, err := s.registerEmployee(ctx, st, employer, entry.EmployeeID, entry.MonthlySalary, now)
			if err != nil {
				return nil, &BatchEntryError{Index: i, EmployeeID: entry.EmployeeID, Err: err}
			}
			all = append(all, events...)
		}
		return all, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}

func (s *Service) requireEmployer(ctx context.Context, st Store, id ParticipantID) error {
	ok, err := st.IsEmployer(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrEmployerNotRegistered)
	}
	return nil
}

func (s *Service) registerEmployee(ctx context.Context, st Store, employer, employee ParticipantID, salary generic.Amount, now time.Time) ([]Event, error) {
	if !s.policy.validSalary(salary) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSalary, salary)
	}

	existing, err := st.GetEmployment(ctx, employer, employee)
	if err != nil {
		return nil, fmt.Errorf("load employment: %w", err)
	}
	if existing.Exists() && existing.Active {
		return nil, fmt.Errorf("%s/%s: %w", employer, employee, ErrEmploymentAlreadyExists)
	}
	if existing.Exists() {
		// An open claim still owns the terminated record it was filed against.
		claim, err := st.GetClaim(ctx, employee)
		if err != nil {
			return nil, fmt.Errorf("load claim: %w", err)
		}
		if claim != nil && claim.EmployerID == employer && !claim.Status.IsTerminal() {
			return nil, fmt.Errorf("%s/%s: claim %s: %w", employer, employee, claim.Status, ErrEmploymentAlreadyExists)
		}
	}

	emp := Employment{
		EmployerID:        employer,
		EmployeeID:        employee,
		StartTime:         now,
		MonthlySalary:     salary,
		TotalPremiumsPaid: generic.NewAmount(0, s.policy.Unit),
		Active:            true,
	}
	if err := st.SaveEmployment(ctx, emp); err != nil {
		return nil, fmt.Errorf("save employment: %w", err)
	}

	known, err := st.IsEmployee(ctx, employee)
	if err != nil {
		return nil, err
	}
	if !known {
		if err := st.SaveEmployee(ctx, employee, now); err != nil {
			return nil, fmt.Errorf("save employee: %w", err)
		}
	}

	return []Event{{
		Type:       EventEmployeeRegistered,
		EmployerID: employer,
		EmployeeID: employee,
		Amount:     salary,
	}}, nil
}
