/*
pool.go - The shared premium pool

PURPOSE:
  One balance fed by every validated premium and drained by every benefit
  installment. The pool is the only way to move that balance: Credit, Debit
  and Balance. There is no setter.

SOLVENCY:
  Balance = sum(credits) - sum(debits) + sum(reversals), always replayed
  from the ledger. Debit refuses, and writes nothing, when the amount
  exceeds the balance. It is never partially honored.

ORDERING:
  A debit is committed before the payout is attempted. A payout that fails
  afterwards is compensated with Reverse, never by editing the debit.

SEE ALSO:
  - generic/ledger.go: Append-only ledger underneath
  - claim.go: Withdraw, the only caller of Debit
*/
package insurance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/benefit-pool/generic"
)

// Movement describes one credit or debit.
type Movement struct {
	Amount    generic.Amount
	Account   ParticipantID
	Reference string
	Reason    string
	At        time.Time
}

type Pool struct {
	ledger *generic.DefaultLedger
	unit   generic.Unit
}

// NewPool binds a pool to a ledger. Bind it to a transactional store view
// when credits or debits must commit with other writes.
func NewPool(ledger *generic.DefaultLedger, unit generic.Unit) *Pool {
	return &Pool{ledger: ledger, unit: unit}
}

// Credit increases the pool by m.Amount. No upper bound applies.
func (p *Pool) Credit(ctx context.Context, m Movement) (generic.Transaction, error) {
	if err := p.check(m.Amount); err != nil {
		return generic.Transaction{}, err
	}
	tx := p.transaction(generic.TxCredit, m, m.Amount)
	if err := p.ledger.Append(ctx, tx); err != nil {
		return generic.Transaction{}, fmt.Errorf("credit pool: %w", err)
	}
	return tx, nil
}

// Debit decreases the pool by m.Amount or fails with InsufficientFundsError.
func (p *Pool) Debit(ctx context.Context, m Movement) (generic.Transaction, error) {
	if err := p.check(m.Amount); err != nil {
		return generic.Transaction{}, err
	}
	tx := p.transaction(generic.TxDebit, m, m.Amount.Neg())
	if err := p.ledger.Debit(ctx, tx); err != nil {
		var short *generic.InsufficientBalanceError
		if errors.As(err, &short) {
			return generic.Transaction{}, &InsufficientFundsError{Available: short.Available, Requested: short.Requested}
		}
		return generic.Transaction{}, fmt.Errorf("debit pool: %w", err)
	}
	return tx, nil
}

// Reverse appends the compensating transaction for a previous movement.
func (p *Pool) Reverse(ctx context.Context, tx generic.Transaction, at time.Time, reason string) error {
	rev := tx.Reverse(generic.TransactionID(uuid.NewString()), at, reason)
	if err := p.ledger.Append(ctx, rev); err != nil {
		return fmt.Errorf("reverse %s: %w", tx.ID, err)
	}
	return nil
}

func (p *Pool) Balance(ctx context.Context) (generic.Amount, error) {
	return p.ledger.Balance(ctx, p.unit)
}

// Totals returns cumulative premiums in and net benefits out.
func (p *Pool) Totals(ctx context.Context) (premiums, benefits generic.Amount, err error) {
	premiums = generic.NewAmount(0, p.unit)
	benefits = generic.NewAmount(0, p.unit)

	txs, err := p.ledger.Transactions(ctx)
	if err != nil {
		return premiums, benefits, err
	}
	for _, tx := range txs {
		switch tx.Type {
		case generic.TxCredit:
			premiums = premiums.Add(tx.Delta)
		case generic.TxDebit, generic.TxReversal:
			// only debits are ever reversed
			benefits = benefits.Sub(tx.Delta)
		}
	}
	return premiums, benefits, nil
}

func (p *Pool) check(a generic.Amount) error {
	if a.Unit != p.unit {
		return fmt.Errorf("%w: pool holds %s, got %s", generic.ErrUnitMismatch, p.unit, a.Unit)
	}
	if !a.IsPositive() || !a.IsWhole() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, a)
	}
	return nil
}

func (p *Pool) transaction(typ generic.TransactionType, m Movement, delta generic.Amount) generic.Transaction {
	return generic.Transaction{
		ID:          generic.TransactionID(uuid.NewString()),
		Type:        typ,
		Delta:       delta,
		Account:     string(m.Account),
		ReferenceID: m.Reference,
		Reason:      m.Reason,
		EffectiveAt: m.At,
		CreatedAt:   m.At,
	}
}
