package insurance

import (
	"errors"
	"time"

	"github.com/warp/benefit-pool/generic"
)

// Policy holds the actuarial constants of the pool.
type Policy struct {
	PremiumBasisPoints   int64 // premium = salary * bp / 10000
	BenefitPercent       int64 // monthly benefit = salary * pct / 100
	MinEmploymentMonths  int
	BaseBenefitMonths    int
	AccrualMonthsPerYear int // extra coverage months per 12 months worked past the minimum
	MaxBenefitMonths     int
	FullCoverageMonths   int // employment length granting MaxBenefitMonths outright
	ResponseWindow       time.Duration
	WithdrawalInterval   time.Duration
	Unit                 generic.Unit
}

func DefaultPolicy() Policy {
	return Policy{
		PremiumBasisPoints:   300,
		BenefitPercent:       70,
		MinEmploymentMonths:  12,
		BaseBenefitMonths:    3,
		AccrualMonthsPerYear: 2,
		MaxBenefitMonths:     24,
		FullCoverageMonths:   120,
		ResponseWindow:       generic.Month,
		WithdrawalInterval:   generic.Month,
		Unit:                 generic.UnitNative,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.PremiumBasisPoints <= 0:
		return errors.New("policy: premium basis points must be positive")
	case p.BenefitPercent <= 0 || p.BenefitPercent > 100:
		return errors.New("policy: benefit percent must be in (0, 100]")
	case p.MinEmploymentMonths <= 0:
		return errors.New("policy: minimum employment must be positive")
	case p.BaseBenefitMonths <= 0 || p.MaxBenefitMonths < p.BaseBenefitMonths:
		return errors.New("policy: benefit months out of range")
	case p.ResponseWindow <= 0 || p.WithdrawalInterval <= 0:
		return errors.New("policy: windows must be positive")
	case !p.Unit.Valid():
		return errors.New("policy: unknown currency unit")
	}
	return nil
}

// ExpectedPremium is the exact premium owed for one period.
func (p Policy) ExpectedPremium(salary generic.Amount) generic.Amount {
	return salary.MulRatio(p.PremiumBasisPoints, 10000)
}

// MonthlyBenefit is the installment paid to a claimant.
func (p Policy) MonthlyBenefit(salary generic.Amount) generic.Amount {
	return salary.MulRatio(p.BenefitPercent, 100)
}

// BenefitDuration maps whole months of employment to months of coverage.
//
//	months < 12        -> 0 (ineligible)
//	12 <= months < 24  -> 3
//	months >= 24       -> 3 + floor((months-12)*2/12), capped at 24
//	months >= 120      -> 24
func (p Policy) BenefitDuration(months int) int {
	if months < p.MinEmploymentMonths {
		return 0
	}
	if p.FullCoverageMonths > 0 && months >= p.FullCoverageMonths {
		return p.MaxBenefitMonths
	}
	if months < p.MinEmploymentMonths+12 {
		return p.BaseBenefitMonths
	}
	d := p.BaseBenefitMonths + (months-p.MinEmploymentMonths)*p.AccrualMonthsPerYear/12
	if d > p.MaxBenefitMonths {
		return p.MaxBenefitMonths
	}
	return d
}

// CalculateBenefitDuration applies the default policy.
func CalculateBenefitDuration(months int) int {
	return DefaultPolicy().BenefitDuration(months)
}

// validSalary reports whether s can be a monthly salary under p.
func (p Policy) validSalary(s generic.Amount) bool {
	return s.Unit == p.Unit && s.IsPositive() && s.IsWhole()
}
