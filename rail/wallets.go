// Package rail implements insurance.PaymentRail.
//
// Wallets keeps participant balances in process and settles strictly:
// collecting from an underfunded wallet fails. Attested trusts an external
// settlement system and only records the movements it is told about.
package rail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

var ErrInsufficientWalletBalance = errors.New("insufficient wallet balance")

// Wallets holds one balance per participant plus the funds in pool custody.
type Wallets struct {
	mu       sync.Mutex
	unit     generic.Unit
	balances map[insurance.ParticipantID]generic.Amount
	custody  generic.Amount
	log      *zap.Logger
}

func NewWallets(unit generic.Unit, log *zap.Logger) *Wallets {
	if log == nil {
		log = zap.NewNop()
	}
	return &Wallets{
		unit:     unit,
		balances: make(map[insurance.ParticipantID]generic.Amount),
		custody:  generic.NewAmount(0, unit),
		log:      log.Named("rail.wallets"),
	}
}

var _ insurance.PaymentRail = (*Wallets)(nil)

func (w *Wallets) Unit() generic.Unit { return w.unit }

// Fund adds amount to a participant's wallet.
func (w *Wallets) Fund(id insurance.ParticipantID, amount generic.Amount) error {
	if err := w.check(amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[id] = w.balanceLocked(id).Add(amount)
	return nil
}

func (w *Wallets) Balance(id insurance.ParticipantID) generic.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked(id)
}

// Custody is the amount the rail holds on behalf of the pool.
func (w *Wallets) Custody() generic.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.custody
}

func (w *Wallets) Collect(_ context.Context, payer insurance.ParticipantID, amount generic.Amount) error {
	if err := w.check(amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	have := w.balanceLocked(payer)
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientWalletBalance, payer, have, amount)
	}
	w.balances[payer] = have.Sub(amount)
	w.custody = w.custody.Add(amount)

	w.log.Debug("collected", zap.String("payer", string(payer)), zap.Stringer("amount", amount))
	return nil
}

func (w *Wallets) Payout(_ context.Context, payee insurance.ParticipantID, amount generic.Amount) error {
	if err := w.check(amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.custody.LessThan(amount) {
		return fmt.Errorf("%w: custody holds %s, payout %s", ErrInsufficientWalletBalance, w.custody, amount)
	}
	w.custody = w.custody.Sub(amount)
	w.balances[payee] = w.balanceLocked(payee).Add(amount)

	w.log.Debug("paid out", zap.String("payee", string(payee)), zap.Stringer("amount", amount))
	return nil
}

func (w *Wallets) check(amount generic.Amount) error {
	if amount.Unit != w.unit {
		return fmt.Errorf("%w: rail settles %s, got %s", generic.ErrUnitMismatch, w.unit, amount.Unit)
	}
	if !amount.IsPositive() {
		return generic.ErrNonPositiveAmount
	}
	return nil
}

func (w *Wallets) balanceLocked(id insurance.ParticipantID) generic.Amount {
	if b, ok := w.balances[id]; ok {
		return b
	}
	return generic.NewAmount(0, w.unit)
}
