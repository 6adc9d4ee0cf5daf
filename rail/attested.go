package rail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

// Attested is settled outside this process. Every call succeeds once the
// unit matches; the log is the record handed to the settlement system.
type Attested struct {
	unit generic.Unit
	log  *zap.Logger
}

func NewAttested(unit generic.Unit, log *zap.Logger) *Attested {
	if log == nil {
		log = zap.NewNop()
	}
	return &Attested{unit: unit, log: log.Named("rail.attested")}
}

var _ insurance.PaymentRail = (*Attested)(nil)

func (a *Attested) Unit() generic.Unit { return a.unit }

func (a *Attested) Collect(_ context.Context, payer insurance.ParticipantID, amount generic.Amount) error {
	if amount.Unit != a.unit {
		return fmt.Errorf("%w: rail settles %s, got %s", generic.ErrUnitMismatch, a.unit, amount.Unit)
	}
	a.log.Info("premium collected", zap.String("payer", string(payer)), zap.Stringer("amount", amount))
	return nil
}

func (a *Attested) Payout(_ context.Context, payee insurance.ParticipantID, amount generic.Amount) error {
	if amount.Unit != a.unit {
		return fmt.Errorf("%w: rail settles %s, got %s", generic.ErrUnitMismatch, a.unit, amount.Unit)
	}
	a.log.Info("benefit paid", zap.String("payee", string(payee)), zap.Stringer("amount", amount))
	return nil
}
