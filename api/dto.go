/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  insurance domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Monetary values travel as decimal strings in the smallest unit of the
  pool's currency ("5000"). Requests also accept bare JSON numbers. The unit
  is implied by the server's configuration and echoed in responses.

TIMES:
  RFC 3339. Unset times are omitted from responses.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RegisterEmployeeRequest struct {
	EmployeeID    string          `json:"employee_id"`
	MonthlySalary decimal.Decimal `json:"monthly_salary"`
}

type RegisterBatchRequest struct {
	Entries []RegisterEmployeeRequest `json:"entries"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type UpdateSalaryRequest struct {
	MonthlySalary decimal.Decimal `json:"monthly_salary"`
}

type TerminateRequest struct {
	EndTime time.Time `json:"end_time"`
}

type SubmitClaimRequest struct {
	EmployerID      string    `json:"employer_id"`
	DeclaredEndDate time.Time `json:"declared_end_date"`
}

type ApproveClaimRequest struct {
	ConfirmedEndDate time.Time `json:"confirmed_end_date"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type EmploymentDTO struct {
	EmployerID        string          `json:"employer_id"`
	EmployeeID        string          `json:"employee_id"`
	StartTime         string          `json:"start_time"`
	EndTime           string          `json:"end_time,omitempty"`
	MonthlySalary     decimal.Decimal `json:"monthly_salary"`
	TotalPremiumsPaid decimal.Decimal `json:"total_premiums_paid"`
	LastPremiumPaidAt string          `json:"last_premium_paid_at,omitempty"`
	Active            bool            `json:"active"`
	Unit              string          `json:"unit"`
}

type DurationDTO struct {
	EmployerID string `json:"employer_id"`
	EmployeeID string `json:"employee_id"`
	Months     int    `json:"months"`
}

type ClaimDTO struct {
	EmployeeID            string          `json:"employee_id"`
	EmployerID            string          `json:"employer_id,omitempty"`
	Status                string          `json:"status"`
	AppliedAt             string          `json:"applied_at,omitempty"`
	DeclaredEndDate       string          `json:"declared_end_date,omitempty"`
	ConfirmedEndDate      string          `json:"confirmed_end_date,omitempty"`
	BenefitDurationMonths int             `json:"benefit_duration_months"`
	MonthlyBenefit        decimal.Decimal `json:"monthly_benefit"`
	MonthsWithdrawn       int             `json:"months_withdrawn"`
	ApprovedAt            string          `json:"approved_at,omitempty"`
	ApprovedBy            string          `json:"approved_by,omitempty"`
	AutoApproved          bool            `json:"auto_approved"`
	LastWithdrawalAt      string          `json:"last_withdrawal_at,omitempty"`
	NextWithdrawalAt      string          `json:"next_withdrawal_at,omitempty"`
	Unit                  string          `json:"unit,omitempty"`
}

type StatsDTO struct {
	Employers      int             `json:"employers"`
	Employees      int             `json:"employees"`
	PoolBalance    decimal.Decimal `json:"pool_balance"`
	TotalPremiums  decimal.Decimal `json:"total_premiums"`
	TotalBenefits  decimal.Decimal `json:"total_benefits"`
	ClaimsByStatus map[string]int  `json:"claims_by_status"`
	Unit           string          `json:"unit"`
}

type BenefitDurationDTO struct {
	EmploymentMonths int `json:"employment_months"`
	BenefitMonths    int `json:"benefit_months"`
}

type TransactionDTO struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Delta          decimal.Decimal   `json:"delta"`
	Unit           string            `json:"unit"`
	Account        string            `json:"account,omitempty"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EffectiveAt    string            `json:"effective_at"`
}

type EventDTO struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	EmployerID string            `json:"employer_id,omitempty"`
	EmployeeID string            `json:"employee_id,omitempty"`
	Amount     *decimal.Decimal  `json:"amount,omitempty"`
	Unit       string            `json:"unit,omitempty"`
	At         string            `json:"at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type WalletDTO struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
	Unit    string          `json:"unit"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	RetryAt string `json:"retry_at,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toEmploymentDTO(e insurance.Employment) EmploymentDTO {
	return EmploymentDTO{
		EmployerID:        string(e.EmployerID),
		EmployeeID:        string(e.EmployeeID),
		StartTime:         formatTime(e.StartTime),
		EndTime:           formatTime(e.EndTime),
		MonthlySalary:     e.MonthlySalary.Value,
		TotalPremiumsPaid: e.TotalPremiumsPaid.Value,
		LastPremiumPaidAt: formatTime(e.LastPremiumPaidAt),
		Active:            e.Active,
		Unit:              string(e.MonthlySalary.Unit),
	}
}

func toClaimDTO(c insurance.Claim, interval time.Duration) ClaimDTO {
	dto := ClaimDTO{
		EmployeeID:            string(c.EmployeeID),
		EmployerID:            string(c.EmployerID),
		Status:                string(c.Status),
		AppliedAt:             formatTime(c.AppliedAt),
		DeclaredEndDate:       formatTime(c.DeclaredEndDate),
		ConfirmedEndDate:      formatTime(c.ConfirmedEndDate),
		BenefitDurationMonths: c.BenefitDurationMonths,
		MonthlyBenefit:        c.MonthlyBenefit.Value,
		MonthsWithdrawn:       c.MonthsWithdrawn,
		ApprovedAt:            formatTime(c.ApprovedAt),
		ApprovedBy:            string(c.ApprovedBy),
		AutoApproved:          c.AutoApproved(),
		LastWithdrawalAt:      formatTime(c.LastWithdrawalAt),
		Unit:                  string(c.MonthlyBenefit.Unit),
	}
	if c.Status == insurance.ClaimApproved && c.RemainingMonths() > 0 {
		dto.NextWithdrawalAt = formatTime(c.NextWithdrawalAt(interval))
	}
	return dto
}

func toStatsDTO(s insurance.Stats) StatsDTO {
	byStatus := make(map[string]int, len(s.ClaimsByStatus))
	for status, n := range s.ClaimsByStatus {
		byStatus[string(status)] = n
	}
	return StatsDTO{
		Employers:      s.Employers,
		Employees:      s.Employees,
		PoolBalance:    s.PoolBalance.Value,
		TotalPremiums:  s.TotalPremiums.Value,
		TotalBenefits:  s.TotalBenefits.Value,
		ClaimsByStatus: byStatus,
		Unit:           string(s.PoolBalance.Unit),
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:             string(tx.ID),
			Type:           string(tx.Type),
			Delta:          tx.Delta.Value,
			Unit:           string(tx.Delta.Unit),
			Account:        tx.Account,
			ReferenceID:    tx.ReferenceID,
			Reason:         tx.Reason,
			IdempotencyKey: tx.IdempotencyKey,
			Metadata:       tx.Metadata,
			EffectiveAt:    formatTime(tx.EffectiveAt),
		}
	}
	return dtos
}

func toEventDTOs(events []insurance.Event) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dto := EventDTO{
			ID:         e.ID,
			Type:       string(e.Type),
			EmployerID: string(e.EmployerID),
			EmployeeID: string(e.EmployeeID),
			At:         formatTime(e.At),
			Attributes: e.Attributes,
		}
		if e.Amount.Unit != "" {
			value := e.Amount.Value
			dto.Amount = &value
			dto.Unit = string(e.Amount.Unit)
		}
		dtos[i] = dto
	}
	return dtos
}
