/*
handlers.go - HTTP API handlers for the benefit pool

PURPOSE:
  Exposes the insurance service via REST. Handles HTTP request/response and
  JSON serialization, and delegates every rule to insurance.Service. The
  caller id comes from IdentityMiddleware and is passed to the service as
  the acting participant.

ENDPOINTS:
  Registration:
    POST   /api/employers                              Register caller as employer
    POST   /api/employees                              Register one employee
    POST   /api/employees/batch                        Register many, all or nothing

  Employments (caller is the employer):
    GET    /api/employees                              Caller's employments
    POST   /api/employees/{employee}/premiums          Deposit one premium
    PUT    /api/employees/{employee}/salary            Update salary
    POST   /api/employees/{employee}/terminate         Terminate

  Employments (public):
    GET    /api/employments/{employer}/{employee}      Employment record
    GET    /api/employments/{employer}/{employee}/duration

  Claims:
    POST   /api/claims                                 Submit (caller is employee)
    POST   /api/claims/withdraw                        Draw next installment
    GET    /api/claims/{employee}                      Claim ("none" if absent)
    POST   /api/claims/{employee}/approve              Employer approves
    POST   /api/claims/{employee}/reject               Employer rejects
    POST   /api/claims/{employee}/auto-approve         Anyone, after the window

  Pool:
    GET    /api/stats
    GET    /api/benefit-duration?months=N
    GET    /api/pool/transactions
    GET    /api/events?employer=&employee=&type=&limit=

  Admin (wallet rail only, callers in ADMIN_IDS):
    GET    /api/admin/wallets/{id}
    POST   /api/admin/wallets/{id}/fund

ERROR HANDLING:
  writeServiceError maps domain errors to HTTP status:
  - 400: Invalid values (salary, amount, dates, duration)
  - 403: Caller not allowed (not the employer, not registered)
  - 404: Missing employment or claim
  - 409: State conflicts, and concurrent calls on the same key (retryable)
  - 422: Time gates, insufficient pool, exhausted benefits, empty wallet
  - 502: Payment rail failure
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
	"github.com/warp/benefit-pool/rail"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *insurance.Service
	Wallets *rail.Wallets // nil unless the wallet rail is in use
	Health  Pinger        // optional

	log *zap.Logger
}

// NewHandler creates a handler over svc.
func NewHandler(svc *insurance.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: svc, log: log.Named("api")}
}

func (h *Handler) amount(v decimal.Decimal) generic.Amount {
	return generic.NewAmountFromDecimal(v, h.Service.Policy().Unit)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (insurance.ParticipantID, bool) {
	id, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Caller identity required", nil)
	}
	return id, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterEmployer registers the caller as an employer.
// POST /api/employers
func (h *Handler) RegisterEmployer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.Service.RegisterEmployer(r.Context(), caller); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"employer_id": string(caller)})
}

// RegisterEmployee hires one employee for the calling employer.
// POST /api/employees
func (h *Handler) RegisterEmployee(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req RegisterEmployeeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EmployeeID) == "" {
		writeError(w, http.StatusBadRequest, "employee_id is required", nil)
		return
	}

	ctx := r.Context()
	employee := insurance.ParticipantID(req.EmployeeID)
	if err := h.Service.RegisterEmployee(ctx, caller, employee, h.amount(req.MonthlySalary)); err != nil {
		h.writeServiceError(w, err)
		return
	}
	emp, err := h.Service.Employment(ctx, caller, employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmploymentDTO(emp))
}

// RegisterEmployeesBatch hires every entry or none.
// POST /api/employees/batch
func (h *Handler) RegisterEmployeesBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req RegisterBatchRequest
	if !decode(w, r, &req) {
		return
	}

	entries := make([]insurance.EmployeeEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = insurance.EmployeeEntry{
			EmployeeID:    insurance.ParticipantID(e.EmployeeID),
			MonthlySalary: h.amount(e.MonthlySalary),
		}
	}
	if err := h.Service.RegisterEmployeesBatch(r.Context(), caller, entries); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"registered": len(entries)})
}

// =============================================================================
// EMPLOYMENTS
// =============================================================================

// ListEmployments returns the caller's employments as employer.
// GET /api/employees
func (h *Handler) ListEmployments(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.Service.ListEmployments(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	dtos := make([]EmploymentDTO, len(list))
	for i, e := range list {
		dtos[i] = toEmploymentDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEmployment returns one employment record.
// GET /api/employments/{employer}/{employee}
func (h *Handler) GetEmployment(w http.ResponseWriter, r *http.Request) {
	employer := insurance.ParticipantID(chi.URLParam(r, "employer"))
	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))

	emp, err := h.Service.Employment(r.Context(), employer, employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmploymentDTO(emp))
}

// GetDuration returns whole months worked.
// GET /api/employments/{employer}/{employee}/duration
func (h *Handler) GetDuration(w http.ResponseWriter, r *http.Request) {
	employer := chi.URLParam(r, "employer")
	employee := chi.URLParam(r, "employee")

	months, err := h.Service.DurationMonths(r.Context(), insurance.ParticipantID(employer), insurance.ParticipantID(employee))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DurationDTO{EmployerID: employer, EmployeeID: employee, Months: months})
}

// DepositPremium pays one premium for an employee of the caller.
// POST /api/employees/{employee}/premiums
func (h *Handler) DepositPremium(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))
	if err := h.Service.DepositPremium(ctx, caller, employee, h.amount(req.Amount)); err != nil {
		h.writeServiceError(w, err)
		return
	}
	emp, err := h.Service.Employment(ctx, caller, employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmploymentDTO(emp))
}

// UpdateSalary changes the salary of an active employment.
// PUT /api/employees/{employee}/salary
func (h *Handler) UpdateSalary(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req UpdateSalaryRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))
	if err := h.Service.UpdateSalary(ctx, caller, employee, h.amount(req.MonthlySalary)); err != nil {
		h.writeServiceError(w, err)
		return
	}
	emp, err := h.Service.Employment(ctx, caller, employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmploymentDTO(emp))
}

// TerminateEmployment ends an active employment.
// POST /api/employees/{employee}/terminate
func (h *Handler) TerminateEmployment(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req TerminateRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))
	if err := h.Service.TerminateEmployment(ctx, caller, employee, req.EndTime); err != nil {
		h.writeServiceError(w, err)
		return
	}
	emp, err := h.Service.Employment(ctx, caller, employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmploymentDTO(emp))
}

// =============================================================================
// CLAIMS
// =============================================================================

// SubmitClaim files the caller's claim against a former employer.
// POST /api/claims
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req SubmitClaimRequest
	if !decode(w, r, &req) {
		return
	}

	claim, err := h.Service.SubmitClaim(r.Context(), caller, insurance.ParticipantID(req.EmployerID), req.DeclaredEndDate)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.claimDTO(claim))
}

// Withdraw draws the caller's next installment.
// POST /api/claims/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	claim, err := h.Service.Withdraw(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.claimDTO(claim))
}

// GetClaim returns an employee's claim.
// GET /api/claims/{employee}
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.Service.Claim(r.Context(), insurance.ParticipantID(chi.URLParam(r, "employee")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.claimDTO(claim))
}

// ApproveClaim confirms a pending claim as the claim's employer.
// POST /api/claims/{employee}/approve
func (h *Handler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ApproveClaimRequest
	if !decode(w, r, &req) {
		return
	}

	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))
	claim, err := h.Service.ApproveByEmployer(r.Context(), caller, employee, req.ConfirmedEndDate)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.claimDTO(claim))
}

// RejectClaim refuses a pending claim inside the response window.
// POST /api/claims/{employee}/reject
func (h *Handler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))
	claim, err := h.Service.RejectByEmployer(r.Context(), caller, employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.claimDTO(claim))
}

// AutoApproveClaim approves a claim the employer left unanswered.
// POST /api/claims/{employee}/auto-approve
func (h *Handler) AutoApproveClaim(w http.ResponseWriter, r *http.Request) {
	employee := insurance.ParticipantID(chi.URLParam(r, "employee"))
	claim, err := h.Service.AutoApprove(r.Context(), employee)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.claimDTO(claim))
}

func (h *Handler) claimDTO(c insurance.Claim) ClaimDTO {
	return toClaimDTO(c, h.Service.Policy().WithdrawalInterval)
}

// =============================================================================
// POOL
// =============================================================================

// GetStats returns participant counts, pool totals and claims by status.
// GET /api/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GetBenefitDuration evaluates the coverage table for a number of months.
// GET /api/benefit-duration?months=N
func (h *Handler) GetBenefitDuration(w http.ResponseWriter, r *http.Request) {
	months, err := strconv.Atoi(r.URL.Query().Get("months"))
	if err != nil || months < 0 {
		writeError(w, http.StatusBadRequest, "months must be a non-negative integer", err)
		return
	}
	writeJSON(w, http.StatusOK, BenefitDurationDTO{
		EmploymentMonths: months,
		BenefitMonths:    h.Service.Policy().BenefitDuration(months),
	})
}

// ListPoolTransactions returns the pool ledger, oldest first.
// GET /api/pool/transactions
func (h *Handler) ListPoolTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Service.PoolTransactions(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListEvents returns the audit log, oldest first.
// GET /api/events?employer=&employee=&type=a,b&limit=N
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := insurance.EventFilter{
		EmployerID: insurance.ParticipantID(q.Get("employer")),
		EmployeeID: insurance.ParticipantID(q.Get("employee")),
	}
	if types := q.Get("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, insurance.EventType(strings.TrimSpace(t)))
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		filter.Limit = n
	}

	events, err := h.Service.Events(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// ADMIN
// =============================================================================

// GetWallet returns a participant's wallet balance.
// GET /api/admin/wallets/{id}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance := h.Wallets.Balance(insurance.ParticipantID(id))
	writeJSON(w, http.StatusOK, WalletDTO{ID: id, Balance: balance.Value, Unit: string(balance.Unit)})
}

// FundWallet credits a participant's wallet out of thin air.
// POST /api/admin/wallets/{id}/fund
func (h *Handler) FundWallet(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	id := insurance.ParticipantID(chi.URLParam(r, "id"))
	if err := h.Wallets.Fund(id, h.amount(req.Amount)); err != nil {
		h.writeServiceError(w, err)
		return
	}
	balance := h.Wallets.Balance(id)
	writeJSON(w, http.StatusOK, WalletDTO{ID: string(id), Balance: balance.Value, Unit: string(balance.Unit)})
}

// Healthz reports liveness and, when configured, store reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rail.ErrInsufficientWalletBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, insurance.ErrPaymentFailed):
		return http.StatusBadGateway
	case generic.IsRetryable(err):
		return http.StatusConflict
	case insurance.IsAuthorization(err):
		return http.StatusForbidden
	case insurance.IsNotFound(err):
		return http.StatusNotFound
	case insurance.IsClientError(err),
		errors.Is(err, generic.ErrUnitMismatch),
		errors.Is(err, generic.ErrNonPositiveAmount):
		return http.StatusBadRequest
	case insurance.IsConflict(err):
		return http.StatusConflict
	case insurance.IsTimeGate(err), insurance.IsResourceExhausted(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}

	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error()}
	var gate *insurance.TimeGateError
	if errors.As(err, &gate) {
		resp.RetryAt = formatTime(gate.Boundary)
	}
	writeJSON(w, status, resp)
}
