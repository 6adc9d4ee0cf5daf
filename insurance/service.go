/*
service.go - Wiring and transaction plumbing for the benefit pool

PURPOSE:
  Service is the single entry point for every operation of the pool. Each
  mutation is one store transaction: precondition checks, writes and the
  audit event commit together or not at all. Committed events are published
  to the Notifier afterwards.

LOCKING:
  Operations that call the payment rail hold a per-key lock across the
  external call:
    - claim:<employee>               Withdraw
    - employment:<employer>:<employee> DepositPremium
  TryLock never waits, so a re-entrant call from the rail fails with
  generic.ErrConcurrentModification instead of deadlocking.

SEE ALSO:
  - registry.go: Employer and employee registration
  - employment.go: Premiums, salary, termination
  - claim.go: Claim state machine and withdrawals
*/
package insurance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/lock"
	"github.com/warp/benefit-pool/metrics"
)

type Service struct {
	store    TxStore
	rail     PaymentRail
	clock    generic.Clock
	policy   Policy
	notifier Notifier
	locker   Locker
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// Params configures NewService. Store and Rail are required.
type Params struct {
	Store    TxStore
	Rail     PaymentRail
	Clock    generic.Clock  // default SystemClock
	Policy   Policy         // default DefaultPolicy()
	Notifier Notifier       // default NopNotifier
	Locker   Locker         // default in-process
	Logger   *zap.Logger    // default no-op
	Metrics  *metrics.Metrics
}

func NewService(p Params) (*Service, error) {
	if p.Store == nil {
		return nil, errors.New("insurance: store is required")
	}
	if p.Rail == nil {
		return nil, errors.New("insurance: payment rail is required")
	}
	if p.Clock == nil {
		p.Clock = generic.SystemClock{}
	}
	if p.Policy == (Policy{}) {
		p.Policy = DefaultPolicy()
	}
	if err := p.Policy.Validate(); err != nil {
		return nil, err
	}
	if p.Rail.Unit() != p.Policy.Unit {
		return nil, fmt.Errorf("%w: rail settles %s, policy uses %s", generic.ErrUnitMismatch, p.Rail.Unit(), p.Policy.Unit)
	}
	if p.Notifier == nil {
		p.Notifier = NopNotifier{}
	}
	if p.Locker == nil {
		p.Locker = lock.NewLocal()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	return &Service{
		store:    p.Store,
		rail:     p.Rail,
		clock:    p.Clock,
		policy:   p.Policy,
		notifier: p.Notifier,
		locker:   p.Locker,
		log:      p.Logger.Named("insurance.service"),
		metrics:  p.Metrics,
	}, nil
}

func (s *Service) Policy() Policy { return s.policy }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// mutation runs inside a store transaction and returns the events to record.
type mutation func(st Store, now time.Time) ([]Event, error)

// commit runs fn in one store transaction. Events returned by fn are stamped
// and appended to the audit log in the same transaction.
func (s *Service) commit(ctx context.Context, op string, fn mutation) ([]Event, error) {
	now := s.clock.Now()

	var committed []Event
	err := s.store.WithTx(ctx, func(st Store) error {
		events, err := fn(st, now)
		if err != nil {
			return err
		}
		for i := range events {
			if events[i].ID == "" {
				events[i].ID = uuid.NewString()
			}
			if events[i].At.IsZero() {
				events[i].At = now
			}
			if err := st.AppendEvent(ctx, events[i]); err != nil {
				return fmt.Errorf("append %s event: %w", events[i].Type, err)
			}
		}
		committed = events
		return nil
	})

	s.metrics.RecordOperation(op, outcome(err))
	if err != nil {
		if outcome(err) == metrics.OutcomeError {
			s.log.Error("operation failed", zap.String("op", op), zap.Error(err))
		} else {
			s.log.Debug("operation refused", zap.String("op", op), zap.Error(err))
		}
		return nil, err
	}
	return committed, nil
}

// publish delivers committed events. A delivery failure never undoes the
// committed operation.
func (s *Service) publish(ctx context.Context, events []Event) {
	for _, e := range events {
		if e.Type == EventBenefitReversed {
			continue
		}
		if err := s.notifier.Notify(ctx, e); err != nil {
			s.log.Warn("failed to publish event",
				zap.String("event_id", e.ID),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) poolFor(st Store) *Pool {
	return NewPool(generic.NewLedger(st), s.policy.Unit)
}

func (s *Service) refreshPoolGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	balance, err := s.poolFor(s.store).Balance(ctx)
	if err != nil {
		s.log.Warn("failed to read pool balance", zap.Error(err))
		return
	}
	s.metrics.SetPoolBalance(balance.Value.InexactFloat64())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case IsAuthorization(err), IsConflict(err), IsTimeGate(err), IsClientError(err),
		IsResourceExhausted(err), IsNotFound(err), generic.IsRetryable(err):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func claimKey(employee ParticipantID) string {
	return "claim:" + string(employee)
}

func employmentKey(employer, employee ParticipantID) string {
	return "employment:" + string(employer) + ":" + string(employee)
}

// =============================================================================
// READS
// =============================================================================

// Stats aggregates registry counts, pool totals and claims by status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	employers, employees, err := s.store.CountParticipants(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count participants: %w", err)
	}

	pool := s.poolFor(s.store)
	balance, err := pool.Balance(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("pool balance: %w", err)
	}
	premiums, benefits, err := pool.Totals(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("pool totals: %w", err)
	}

	claims, err := s.store.ListClaims(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("list claims: %w", err)
	}
	byStatus := make(map[ClaimStatus]int)
	for _, c := range claims {
		byStatus[c.Status]++
	}

	return Stats{
		Employers:      employers,
		Employees:      employees,
		PoolBalance:    balance,
		TotalPremiums:  premiums,
		TotalBenefits:  benefits,
		ClaimsByStatus: byStatus,
	}, nil
}

func (s *Service) PoolBalance(ctx context.Context) (generic.Amount, error) {
	return s.poolFor(s.store).Balance(ctx)
}

// PoolTransactions returns the pool ledger in append order.
func (s *Service) PoolTransactions(ctx context.Context) ([]generic.Transaction, error) {
	return s.store.Load(ctx)
}

// Events returns the audit log, oldest first.
func (s *Service) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	return s.store.ListEvents(ctx, filter)
}
