package insurance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
	"github.com/warp/benefit-pool/notify"
	"github.com/warp/benefit-pool/rail"
	"github.com/warp/benefit-pool/store/memory"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func native(v int64) generic.Amount { return generic.NewAmount(v, generic.UnitNative) }

// testRail wraps the wallet rail with hooks for failure and re-entrancy.
type testRail struct {
	*rail.Wallets
	payoutErr error
	onPayout  func(ctx context.Context, payee insurance.ParticipantID)
}

func (r *testRail) Payout(ctx context.Context, payee insurance.ParticipantID, amount generic.Amount) error {
	if r.onPayout != nil {
		r.onPayout(ctx, payee)
	}
	if r.payoutErr != nil {
		return r.payoutErr
	}
	return r.Wallets.Payout(ctx, payee, amount)
}

type fixture struct {
	ctx      context.Context
	svc      *insurance.Service
	clock    *generic.FakeClock
	store    *memory.Store
	rail     *testRail
	recorder *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		clock:    generic.NewFakeClock(t0),
		store:    memory.New(),
		rail:     &testRail{Wallets: rail.NewWallets(generic.UnitNative, nil)},
		recorder: &notify.Recorder{},
	}
	svc, err := insurance.NewService(insurance.Params{
		Store:    f.store,
		Rail:     f.rail,
		Clock:    f.clock,
		Notifier: f.recorder,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) employer(t *testing.T, id insurance.ParticipantID) {
	t.Helper()
	err := f.svc.RegisterEmployer(f.ctx, id)
	if !errors.Is(err, insurance.ErrAlreadyRegistered) {
		require.NoError(t, err)
	}
	require.NoError(t, f.rail.Fund(id, native(100_000_000)))
}

func (f *fixture) hire(t *testing.T, employer, employee insurance.ParticipantID, salary int64) {
	t.Helper()
	f.employer(t, employer)
	require.NoError(t, f.svc.RegisterEmployee(f.ctx, employer, employee, native(salary)))
}

// terminated hires employee, lets months pass and terminates the
// employment at the current time.
func (f *fixture) terminated(t *testing.T, employer, employee insurance.ParticipantID, salary int64, months int) {
	t.Helper()
	f.hire(t, employer, employee, salary)
	f.clock.Advance(time.Duration(months) * generic.Month)
	require.NoError(t, f.svc.TerminateEmployment(f.ctx, employer, employee, f.clock.Now()))
}

// approvedClaim runs the path up to an approved claim.
func (f *fixture) approvedClaim(t *testing.T, salary int64, months int) insurance.Claim {
	t.Helper()
	f.terminated(t, "acme", "alice", salary, months)
	_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
	require.NoError(t, err)
	claim, err := f.svc.ApproveByEmployer(f.ctx, "acme", "alice", f.clock.Now())
	require.NoError(t, err)
	return claim
}

// fundPool deposits one large premium: salary 10,000,000 pays 300,000.
func (f *fixture) fundPool(t *testing.T) {
	t.Helper()
	f.hire(t, "reinsurer", "whale", 10_000_000)
	require.NoError(t, f.svc.DepositPremium(f.ctx, "reinsurer", "whale", native(300_000)))
}

func (f *fixture) balance(t *testing.T) generic.Amount {
	t.Helper()
	b, err := f.svc.PoolBalance(f.ctx)
	require.NoError(t, err)
	return b
}
