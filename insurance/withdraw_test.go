package insurance_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

func TestWithdraw_FullEntitlement(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	start := f.balance(t)

	// GIVEN: salary 5000, employed 24 months, terminated, claim approved
	claim := f.approvedClaim(t, 5000, 24)
	require.Equal(t, 5, claim.BenefitDurationMonths)
	require.True(t, claim.MonthlyBenefit.Equal(native(3500)))

	// WHEN: five withdrawals, thirty days apart
	for i := 1; i <= 5; i++ {
		got, err := f.svc.Withdraw(f.ctx, "alice")
		require.NoError(t, err, "withdrawal %d", i)
		assert.Equal(t, i, got.MonthsWithdrawn)

		if i < 5 {
			assert.Equal(t, insurance.ClaimApproved, got.Status, "withdrawal %d", i)
			f.clock.Advance(generic.Month)
		} else {
			// THEN: completed by the withdrawal that reaches the threshold
			assert.Equal(t, insurance.ClaimCompleted, got.Status)
		}
	}

	// AND: a sixth withdrawal fails, even after waiting
	f.clock.Advance(generic.Month)
	_, err := f.svc.Withdraw(f.ctx, "alice")
	assert.ErrorIs(t, err, insurance.ErrBenefitsExhausted)
	assert.True(t, insurance.IsResourceExhausted(err))

	assert.True(t, f.rail.Balance("alice").Equal(native(17_500)))
	assert.True(t, f.balance(t).Equal(start.Sub(native(17_500))))

	stats, err := f.svc.Stats(f.ctx)
	require.NoError(t, err)
	assert.True(t, stats.TotalBenefits.Equal(native(17_500)))
	assert.True(t, stats.TotalPremiums.Equal(start))
	assert.Equal(t, 1, stats.ClaimsByStatus[insurance.ClaimCompleted])
}

func TestWithdraw_Spacing(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	f.approvedClaim(t, 5000, 24)

	// first withdrawal is available immediately after approval
	first, err := f.svc.Withdraw(f.ctx, "alice")
	require.NoError(t, err)

	f.clock.AdvanceDays(29)
	_, err = f.svc.Withdraw(f.ctx, "alice")
	require.ErrorIs(t, err, insurance.ErrWithdrawalTooSoon)

	var gate *insurance.TimeGateError
	require.True(t, errors.As(err, &gate))
	assert.True(t, gate.Boundary.Equal(first.LastWithdrawalAt.Add(generic.Month)))

	claim, err := f.svc.Claim(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, claim.MonthsWithdrawn, "refused withdrawal changes nothing")

	f.clock.AdvanceDays(1)
	second, err := f.svc.Withdraw(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, second.MonthsWithdrawn)
}

func TestWithdraw_RequiresApproval(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	f.terminated(t, "acme", "alice", 5000, 24)

	_, err := f.svc.Withdraw(f.ctx, "alice")
	assert.ErrorIs(t, err, insurance.ErrClaimNotFound)

	_, err = f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.Withdraw(f.ctx, "alice")
	assert.ErrorIs(t, err, insurance.ErrClaimNotApproved)
}

func TestWithdraw_InsufficientPool(t *testing.T) {
	f := newFixture(t)

	// GIVEN: the pool holds a single 150 premium, less than one 3500 benefit
	f.hire(t, "acme", "bob", 5000)
	require.NoError(t, f.svc.DepositPremium(f.ctx, "acme", "bob", native(150)))
	f.approvedClaim(t, 5000, 24)

	// WHEN
	_, err := f.svc.Withdraw(f.ctx, "alice")

	// THEN
	var short *insurance.InsufficientFundsError
	require.True(t, errors.As(err, &short))
	assert.True(t, short.Available.Equal(native(150)))
	assert.True(t, short.Requested.Equal(native(3500)))

	claim, err := f.svc.Claim(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, claim.MonthsWithdrawn)
	assert.True(t, claim.LastWithdrawalAt.IsZero())
	assert.True(t, f.balance(t).Equal(native(150)))
	assert.True(t, f.rail.Balance("alice").IsZero())
}

func TestWithdraw_PayoutFailureIsCompensated(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	f.approvedClaim(t, 5000, 24)
	before := f.balance(t)

	// GIVEN: the rail refuses the payout
	f.rail.payoutErr = errors.New("recipient rejected transfer")

	// WHEN
	_, err := f.svc.Withdraw(f.ctx, "alice")

	// THEN: the call fails and leaves no net change
	require.ErrorIs(t, err, insurance.ErrPaymentFailed)
	assert.True(t, f.balance(t).Equal(before))

	claim, err := f.svc.Claim(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, claim.MonthsWithdrawn)
	assert.Equal(t, insurance.ClaimApproved, claim.Status)

	txs, err := f.svc.PoolTransactions(f.ctx)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, generic.TxReversal, last.Type)
	assert.Equal(t, string(txs[len(txs)-2].ID), last.ReferenceID)

	reversed, err := f.svc.Events(f.ctx, insurance.EventFilter{Types: []insurance.EventType{insurance.EventBenefitReversed}})
	require.NoError(t, err)
	assert.Len(t, reversed, 1)
	assert.NotContains(t, f.recorder.Types(), insurance.EventBenefitWithdrawn)
	assert.NotContains(t, f.recorder.Types(), insurance.EventBenefitReversed)

	// AND: the same installment can be retried once the rail recovers
	f.rail.payoutErr = nil
	claim, err = f.svc.Withdraw(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, claim.MonthsWithdrawn)
	assert.True(t, f.balance(t).Equal(before.Sub(native(3500))))
}

func TestWithdraw_ReentrantPayoutRefused(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	f.approvedClaim(t, 5000, 24)
	before := f.balance(t)

	// GIVEN: a recipient that calls back into Withdraw during its payout
	var reentryErr error
	calls := 0
	f.rail.onPayout = func(ctx context.Context, payee insurance.ParticipantID) {
		calls++
		if calls == 1 {
			_, reentryErr = f.svc.Withdraw(ctx, payee)
		}
	}

	// WHEN
	claim, err := f.svc.Withdraw(f.ctx, "alice")

	// THEN: the outer call pays once and the nested call is refused
	require.NoError(t, err)
	assert.Equal(t, 1, claim.MonthsWithdrawn)
	assert.ErrorIs(t, reentryErr, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(reentryErr))
	assert.True(t, f.balance(t).Equal(before.Sub(native(3500))))
	assert.True(t, f.rail.Balance("alice").Equal(native(3500)))
}

func TestWithdraw_ConcurrentCallersDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	f.approvedClaim(t, 5000, 24)
	before := f.balance(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Withdraw(f.ctx, "alice")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			// losers either hit the held key or the time gate
			assert.True(t, generic.IsRetryable(err) || errors.Is(err, insurance.ErrWithdrawalTooSoon), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.True(t, f.balance(t).Equal(before.Sub(native(3500))))
}
