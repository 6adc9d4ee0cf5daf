package insurance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

func TestSubmitClaim(t *testing.T) {
	t.Run("freezes entitlement at submission", func(t *testing.T) {
		f := newFixture(t)
		f.hire(t, "acme", "alice", 4000)
		f.clock.Advance(36 * generic.Month)
		require.NoError(t, f.svc.UpdateSalary(f.ctx, "acme", "alice", native(5000)))
		require.NoError(t, f.svc.TerminateEmployment(f.ctx, "acme", "alice", f.clock.Now()))

		claim, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		require.NoError(t, err)

		assert.Equal(t, insurance.ClaimPending, claim.Status)
		assert.Equal(t, 7, claim.BenefitDurationMonths)
		assert.True(t, claim.MonthlyBenefit.Equal(native(3500)))
		assert.Equal(t, 0, claim.MonthsWithdrawn)
		assert.True(t, claim.AppliedAt.Equal(f.clock.Now()))

		stored, err := f.svc.Claim(f.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, claim, stored)
	})

	t.Run("employment must exist", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", t0)
		assert.ErrorIs(t, err, insurance.ErrEmploymentNotFound)
		assert.True(t, insurance.IsNotFound(err))
	})

	t.Run("employment must be terminated", func(t *testing.T) {
		f := newFixture(t)
		f.hire(t, "acme", "alice", 5000)
		f.clock.Advance(24 * generic.Month)

		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		assert.ErrorIs(t, err, insurance.ErrEmploymentStillActive)
	})

	t.Run("twelve months minimum", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 11)

		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		var short *insurance.InsufficientDurationError
		require.True(t, errors.As(err, &short))
		assert.Equal(t, 11, short.Months)
		assert.Equal(t, 12, short.Required)

		claim, err := f.svc.Claim(f.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, insurance.ClaimNone, claim.Status)
	})

	t.Run("declared end date is required", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)

		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", time.Time{})
		assert.ErrorIs(t, err, insurance.ErrInvalidEndTime)
	})

	t.Run("at most one claim per employee", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		require.NoError(t, err)

		_, err = f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		assert.ErrorIs(t, err, insurance.ErrClaimAlreadyExists)

		// still refused once the claim is terminal
		_, err = f.svc.RejectByEmployer(f.ctx, "acme", "alice")
		require.NoError(t, err)
		_, err = f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		assert.ErrorIs(t, err, insurance.ErrClaimAlreadyExists)
	})
}

func TestApproveByEmployer(t *testing.T) {
	t.Run("only the claim's employer", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		f.employer(t, "globex")
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		require.NoError(t, err)

		_, err = f.svc.ApproveByEmployer(f.ctx, "globex", "alice", f.clock.Now())
		assert.ErrorIs(t, err, insurance.ErrNotAuthorized)
		_, err = f.svc.RejectByEmployer(f.ctx, "globex", "alice")
		assert.ErrorIs(t, err, insurance.ErrNotAuthorized)
	})

	t.Run("records the confirmed end on the employment", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		declared := f.clock.Now()
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", declared)
		require.NoError(t, err)

		// WHEN: the employer confirms an earlier end, 60 days after submission
		f.clock.AdvanceDays(60)
		confirmed := declared.Add(-48 * time.Hour)
		claim, err := f.svc.ApproveByEmployer(f.ctx, "acme", "alice", confirmed)

		// THEN: no deadline applies and both records carry the confirmed date
		require.NoError(t, err)
		assert.Equal(t, insurance.ClaimApproved, claim.Status)
		assert.True(t, claim.ConfirmedEndDate.Equal(confirmed))
		assert.True(t, claim.ApprovedAt.Equal(f.clock.Now()))
		assert.False(t, claim.AutoApproved())

		emp, err := f.svc.Employment(f.ctx, "acme", "alice")
		require.NoError(t, err)
		assert.False(t, emp.Active)
		assert.True(t, emp.EndTime.Equal(confirmed))
	})

	t.Run("only pending claims", func(t *testing.T) {
		f := newFixture(t)
		f.approvedClaim(t, 5000, 12)

		_, err := f.svc.ApproveByEmployer(f.ctx, "acme", "alice", f.clock.Now())
		assert.ErrorIs(t, err, insurance.ErrClaimNotPending)

		_, err = f.svc.ApproveByEmployer(f.ctx, "acme", "bob", f.clock.Now())
		assert.ErrorIs(t, err, insurance.ErrClaimNotFound)
	})
}

func TestRejectByEmployer(t *testing.T) {
	t.Run("within the response window", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		require.NoError(t, err)

		f.clock.AdvanceDays(29)
		claim, err := f.svc.RejectByEmployer(f.ctx, "acme", "alice")
		require.NoError(t, err)
		assert.Equal(t, insurance.ClaimRejected, claim.Status)

		// rejected is terminal
		_, err = f.svc.Withdraw(f.ctx, "alice")
		assert.ErrorIs(t, err, insurance.ErrClaimNotApproved)
		_, err = f.svc.AutoApprove(f.ctx, "alice")
		assert.ErrorIs(t, err, insurance.ErrClaimNotPending)
	})

	t.Run("window closes at thirty days", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		claim, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		require.NoError(t, err)

		f.clock.AdvanceDays(30)
		_, err = f.svc.RejectByEmployer(f.ctx, "acme", "alice")
		assert.ErrorIs(t, err, insurance.ErrResponsePeriodExpired)

		var gate *insurance.TimeGateError
		require.True(t, errors.As(err, &gate))
		assert.True(t, gate.Boundary.Equal(claim.AppliedAt.Add(generic.Month)))
		assert.True(t, insurance.IsTimeGate(err))
	})
}

func TestAutoApprove(t *testing.T) {
	t.Run("not before the response window elapses", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", f.clock.Now())
		require.NoError(t, err)

		f.clock.AdvanceDays(29)
		_, err = f.svc.AutoApprove(f.ctx, "alice")
		assert.ErrorIs(t, err, insurance.ErrTimeoutNotReached)

		due, err := f.svc.PendingClaimsDue(f.ctx)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("silent employer at day 31", func(t *testing.T) {
		f := newFixture(t)
		f.terminated(t, "acme", "alice", 5000, 12)
		declared := f.clock.Now().Add(-24 * time.Hour)
		_, err := f.svc.SubmitClaim(f.ctx, "alice", "acme", declared)
		require.NoError(t, err)

		// GIVEN: the employer neither approves nor rejects
		f.clock.AdvanceDays(31)

		due, err := f.svc.PendingClaimsDue(f.ctx)
		require.NoError(t, err)
		require.Len(t, due, 1)

		// WHEN: any party calls auto-approve
		claim, err := f.svc.AutoApprove(f.ctx, "alice")

		// THEN: approved with the declared end date
		require.NoError(t, err)
		assert.Equal(t, insurance.ClaimApproved, claim.Status)
		assert.True(t, claim.AutoApproved())
		assert.True(t, claim.ConfirmedEndDate.Equal(declared))

		emp, err := f.svc.Employment(f.ctx, "acme", "alice")
		require.NoError(t, err)
		assert.True(t, emp.EndTime.Equal(declared))

		// AND: the employer can no longer reject
		_, err = f.svc.RejectByEmployer(f.ctx, "acme", "alice")
		assert.ErrorIs(t, err, insurance.ErrClaimNotPending)
	})

	t.Run("unknown claim", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.AutoApprove(f.ctx, "nobody")
		assert.ErrorIs(t, err, insurance.ErrClaimNotFound)
	})
}

func TestClaim_NoneWhenAbsent(t *testing.T) {
	f := newFixture(t)
	claim, err := f.svc.Claim(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, insurance.ClaimNone, claim.Status)
	assert.Equal(t, insurance.ParticipantID("alice"), claim.EmployeeID)
}

func TestClaimEvents(t *testing.T) {
	f := newFixture(t)
	f.fundPool(t)
	f.approvedClaim(t, 5000, 12)
	_, err := f.svc.Withdraw(f.ctx, "alice")
	require.NoError(t, err)

	events, err := f.svc.Events(f.ctx, insurance.EventFilter{EmployeeID: "alice"})
	require.NoError(t, err)

	var types []insurance.EventType
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.At.IsZero())
		types = append(types, e.Type)
	}
	assert.Equal(t, []insurance.EventType{
		insurance.EventEmployeeRegistered,
		insurance.EventEmploymentTerminated,
		insurance.EventClaimSubmitted,
		insurance.EventClaimApproved,
		insurance.EventBenefitWithdrawn,
	}, types)

	// every audit event was also published
	all, err := f.svc.Events(f.ctx, insurance.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, f.recorder.Events(), len(all))
	assert.Contains(t, f.recorder.Types(), insurance.EventBenefitWithdrawn)
}
