/*
Package generic provides the domain-agnostic accounting engine.

PURPOSE:
  This package contains the building blocks the insurance domain is written
  on: exact money amounts, an append-only transaction ledger, store contracts,
  a clock abstraction and the shared error vocabulary. Nothing in here knows
  what an employer, a claim or a premium is.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A whole quantity of money in the smallest unit of a currency
  - Unit: Which rail the money lives on (native coin or token)
  - Transaction: An immutable ledger entry recording a balance change

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Precision: Uses decimal.Decimal, never floats
  3. Integer semantics: Ratios truncate toward zero like integer division
  4. Auditability: Every transaction has type, reference and idempotency key

USAGE:
  salary := generic.NewAmount(5000, generic.UnitNative)
  premium := salary.MulRatio(300, 10000) // 150

SEE ALSO:
  - ledger.go: Append-only ledger over a Store
  - store.go: Persistence contract
  - time.go: Clock and month arithmetic
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money in the smallest unit of a currency
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitNative Unit = "native" // chain-native coin, smallest denomination
	UnitToken  Unit = "token"  // fungible token, smallest denomination
)

// Valid reports whether u is a known currency unit.
func (u Unit) Valid() bool {
	return u == UnitNative || u == UnitToken
}

func NewAmount(value int64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(value), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

// ParseAmount parses a decimal string such as "3500".
func ParseAmount(s string, unit Unit) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{Value: d, Unit: unit}, nil
}

func (a Amount) Add(b Amount) Amount    { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount    { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount            { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool       { return a.Value.IsNegative() }
func (a Amount) IsZero() bool           { return a.Value.IsZero() }
func (a Amount) IsPositive() bool       { return a.Value.IsPositive() }
func (a Amount) IsWhole() bool          { return a.Value.IsInteger() }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) String() string         { return a.Value.String() + " " + string(a.Unit) }
func (a Amount) Equal(b Amount) bool    { return a.Unit == b.Unit && a.Value.Equal(b.Value) }

// MulRatio returns a * num / den truncated toward zero, matching integer
// division on the smallest currency unit.
func (a Amount) MulRatio(num, den int64) Amount {
	v := a.Value.Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den)).Truncate(0)
	return Amount{Value: v, Unit: a.Unit}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string

// =============================================================================
// TRANSACTION - Atomic change to a ledger balance
// =============================================================================

type TransactionType string

const (
	TxCredit   TransactionType = "credit"   // Funds entering the ledger (premium)
	TxDebit    TransactionType = "debit"    // Funds leaving the ledger (benefit)
	TxReversal TransactionType = "reversal" // Undo a previous transaction
)

type Transaction struct {
	ID             TransactionID
	Type           TransactionType
	Delta          Amount
	Account        string // counterparty (payer or payee)
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
	EffectiveAt    time.Time
	CreatedAt      time.Time
}

// Reverse builds the compensating transaction for tx.
func (tx Transaction) Reverse(id TransactionID, at time.Time, reason string) Transaction {
	return Transaction{
		ID:             id,
		Type:           TxReversal,
		Delta:          tx.Delta.Neg(),
		Account:        tx.Account,
		ReferenceID:    string(tx.ID),
		Reason:         reason,
		IdempotencyKey: "reversal-" + string(tx.ID),
		EffectiveAt:    at,
		CreatedAt:      at,
	}
}
