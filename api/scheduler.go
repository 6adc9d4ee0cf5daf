/*
scheduler.go - Automated claim approval keeper

PURPOSE:
  Employers that never answer a claim leave it pending. Any party may then
  call auto-approve once the response window has elapsed; this keeper is that
  party, run on a cron schedule.

DESIGN:
  - robfig/cron with panic recovery on every run
  - Each run lists pending claims past the window and approves them one by
    one; a failure on one claim is logged and does not stop the run
  - Runs never overlap: a tick that finds the previous run still going is
    skipped
  - RunOnce is exported for tests and manual triggers

USAGE:
  scheduler, err := NewAutoApprovalScheduler(svc, "@every 1h", log)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - insurance/claim.go: AutoApprove, PendingClaimsDue
*/
package api

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/benefit-pool/insurance"
)

// AutoApprovalScheduler approves claims whose response window has elapsed.
type AutoApprovalScheduler struct {
	service  *insurance.Service
	cron     *cron.Cron
	schedule string
	log      *zap.Logger
}

// NewAutoApprovalScheduler validates schedule and registers the job. Start
// must be called for it to run.
func NewAutoApprovalScheduler(svc *insurance.Service, schedule string, log *zap.Logger) (*AutoApprovalScheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("keeper")

	cronLogger := cron.PrintfLogger(zap.NewStdLog(log))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	s := &AutoApprovalScheduler{service: svc, cron: c, schedule: schedule, log: log}
	if _, err := c.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid auto-approve schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the job on its schedule.
func (s *AutoApprovalScheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduled auto-approval job", zap.String("schedule", s.schedule))
}

// Stop halts the schedule. The returned context is done once a running job
// has finished.
func (s *AutoApprovalScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce approves every claim currently due and returns how many it approved.
func (s *AutoApprovalScheduler) RunOnce(ctx context.Context) int {
	due, err := s.service.PendingClaimsDue(ctx)
	if err != nil {
		s.log.Error("failed to list pending claims", zap.Error(err))
		return 0
	}

	approved := 0
	for _, claim := range due {
		if _, err := s.service.AutoApprove(ctx, claim.EmployeeID); err != nil {
			s.log.Warn("auto-approval failed",
				zap.String("employee", string(claim.EmployeeID)),
				zap.Error(err),
			)
			continue
		}
		approved++
	}
	if len(due) > 0 {
		s.log.Info("auto-approval run", zap.Int("due", len(due)), zap.Int("approved", approved))
	}
	return approved
}
