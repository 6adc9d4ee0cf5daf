/*
handlers_test.go - HTTP surface tests

Tests for:
- Error to status mapping
- The full claim path over HTTP with the development identity header
- JWT identity
- Time-gate responses carrying retry_at
- Admin routes, health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
	"github.com/warp/benefit-pool/metrics"
	"github.com/warp/benefit-pool/rail"
	"github.com/warp/benefit-pool/store/memory"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router  http.Handler
	svc     *insurance.Service
	clock   *generic.FakeClock
	wallets *rail.Wallets
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)

	ts := &testServer{
		clock:   generic.NewFakeClock(t0),
		wallets: rail.NewWallets(generic.UnitNative, nil),
	}
	store := memory.New()
	ts.svc, err = insurance.NewService(insurance.Params{
		Store:   store,
		Rail:    ts.wallets,
		Clock:   ts.clock,
		Metrics: m,
	})
	require.NoError(t, err)

	h := NewHandler(ts.svc, nil)
	h.Wallets = ts.wallets
	opts.Gatherer = registry
	if opts.Admins == nil {
		opts.Admins = []string{"admin"}
	}
	ts.router = NewRouter(h, opts)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(ParticipantHeader, caller)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// terminatedAfter registers acme/alice at the current time, advances the
// clock by months and terminates the employment.
func (ts *testServer) terminatedAfter(t *testing.T, months int) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/employers", "acme", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/employees", "acme", map[string]any{"employee_id": "alice", "monthly_salary": 5000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ts.clock.Advance(time.Duration(months) * generic.Month)
	rec = ts.do(t, http.MethodPost, "/api/employees/alice/terminate", "acme", map[string]any{"end_time": ts.clock.Now()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"value", insurance.ErrInvalidSalary, http.StatusBadRequest},
		{"mismatch", &insurance.AmountMismatchError{}, http.StatusBadRequest},
		{"unit", generic.ErrUnitMismatch, http.StatusBadRequest},
		{"not employer", insurance.ErrNotAuthorized, http.StatusForbidden},
		{"unregistered", insurance.ErrEmployerNotRegistered, http.StatusForbidden},
		{"missing claim", insurance.ErrClaimNotFound, http.StatusNotFound},
		{"state", insurance.ErrClaimNotPending, http.StatusConflict},
		{"busy key", fmt.Errorf("withdraw: %w", generic.ErrConcurrentModification), http.StatusConflict},
		{"time gate", &insurance.TimeGateError{Err: insurance.ErrWithdrawalTooSoon}, http.StatusUnprocessableEntity},
		{"pool short", &insurance.InsufficientFundsError{}, http.StatusUnprocessableEntity},
		{"exhausted", insurance.ErrBenefitsExhausted, http.StatusUnprocessableEntity},
		{"rail", &insurance.PaymentError{Op: "payout", Err: errors.New("down")}, http.StatusBadGateway},
		{"wallet empty", &insurance.PaymentError{Op: "collect", Err: rail.ErrInsufficientWalletBalance}, http.StatusUnprocessableEntity},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestAPI_ClaimLifecycle(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	// GIVEN: a funded employer with alice and a high earner paying premiums
	ts.do(t, http.MethodPost, "/api/employers", "acme", nil)
	rec := ts.do(t, http.MethodPost, "/api/admin/wallets/acme/fund", "admin", map[string]any{"amount": "10000000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/employees/batch", "acme", map[string]any{
		"entries": []map[string]any{
			{"employee_id": "alice", "monthly_salary": 5000},
			{"employee_id": "whale", "monthly_salary": "1000000"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/employees/whale/premiums", "acme", map[string]any{"amount": 30000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	emp := decodeBody[EmploymentDTO](t, rec)
	assert.Equal(t, "30000", emp.TotalPremiumsPaid.String())

	// wrong premium
	rec = ts.do(t, http.MethodPost, "/api/employees/alice/premiums", "acme", map[string]any{"amount": 149})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: alice leaves after 24 months, claims, and acme approves
	ts.clock.Advance(24 * generic.Month)
	end := ts.clock.Now()
	rec = ts.do(t, http.MethodPost, "/api/employees/alice/terminate", "acme", map[string]any{"end_time": end})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/employments/acme/alice/duration", "anyone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, decodeBody[DurationDTO](t, rec).Months)

	rec = ts.do(t, http.MethodPost, "/api/claims", "alice", map[string]any{"employer_id": "acme", "declared_end_date": end})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	claim := decodeBody[ClaimDTO](t, rec)
	assert.Equal(t, "pending", claim.Status)
	assert.Equal(t, 5, claim.BenefitDurationMonths)
	assert.Equal(t, "3500", claim.MonthlyBenefit.String())

	rec = ts.do(t, http.MethodPost, "/api/claims/alice/approve", "globex", map[string]any{"confirmed_end_date": end})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/claims/alice/approve", "acme", map[string]any{"confirmed_end_date": end})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim = decodeBody[ClaimDTO](t, rec)
	assert.Equal(t, "approved", claim.Status)
	assert.Equal(t, "acme", claim.ApprovedBy)
	assert.Equal(t, formatTime(ts.clock.Now()), claim.NextWithdrawalAt, "first installment is immediate")

	// THEN: alice draws one installment, the next is gated
	rec = ts.do(t, http.MethodPost, "/api/claims/withdraw", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim = decodeBody[ClaimDTO](t, rec)
	assert.Equal(t, 1, claim.MonthsWithdrawn)

	rec = ts.do(t, http.MethodPost, "/api/claims/withdraw", "alice", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, formatTime(ts.clock.Now().Add(generic.Month)), errResp.RetryAt)

	rec = ts.do(t, http.MethodGet, "/api/admin/wallets/alice", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3500", decodeBody[WalletDTO](t, rec).Balance.String())

	rec = ts.do(t, http.MethodGet, "/api/stats", "anyone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[StatsDTO](t, rec)
	assert.Equal(t, 1, stats.Employers)
	assert.Equal(t, 2, stats.Employees)
	assert.Equal(t, "26500", stats.PoolBalance.String())
	assert.Equal(t, 1, stats.ClaimsByStatus["approved"])

	rec = ts.do(t, http.MethodGet, "/api/pool/transactions", "anyone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 2)
	assert.Equal(t, "credit", txs[0].Type)
	assert.Equal(t, "debit", txs[1].Type)
	assert.Equal(t, "-3500", txs[1].Delta.String())

	rec = ts.do(t, http.MethodGet, "/api/events?employee=alice&type=claim_submitted,claim_approved", "anyone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]EventDTO](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, "claim_submitted", events[0].Type)
	assert.Equal(t, "claim_approved", events[1].Type)
}

func TestAPI_ClaimLookups(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(t, http.MethodGet, "/api/claims/nobody", "anyone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "none", decodeBody[ClaimDTO](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/api/employments/acme/nobody", "anyone", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/claims/nobody/auto-approve", "anyone", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RejectAfterWindow(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.terminatedAfter(t, 12)

	rec := ts.do(t, http.MethodPost, "/api/claims", "alice", map[string]any{"employer_id": "acme", "declared_end_date": ts.clock.Now()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	applied := ts.clock.Now()

	// GIVEN: the employer lets thirty days pass
	ts.clock.AdvanceDays(30)

	// WHEN
	rec = ts.do(t, http.MethodPost, "/api/claims/alice/reject", "acme", nil)

	// THEN
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, formatTime(applied.Add(generic.Month)), decodeBody[ErrorResponse](t, rec).RetryAt)

	// AND: anyone can now auto-approve
	rec = ts.do(t, http.MethodPost, "/api/claims/alice/auto-approve", "keeper", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[ClaimDTO](t, rec).AutoApproved)
}

func TestAPI_RequestValidation(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/benefit-duration?months=36", "anyone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decodeBody[BenefitDurationDTO](t, rec).BenefitMonths)

	rec = ts.do(t, http.MethodGet, "/api/benefit-duration?months=-1", "anyone", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/employees", strings.NewReader("{not json"))
	req.Header.Set(ParticipantHeader, "acme")
	bad := httptest.NewRecorder()
	ts.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = ts.do(t, http.MethodPost, "/api/employees", "acme", map[string]any{"employee_id": "alice", "monthly_salary": 5000})
	assert.Equal(t, http.StatusForbidden, rec.Code, "unregistered employer")

	ts.do(t, http.MethodPost, "/api/employers", "acme", nil)
	rec = ts.do(t, http.MethodPost, "/api/employers", "acme", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/employees", "acme", map[string]any{"employee_id": "alice", "monthly_salary": "12.5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "fractional salary")
}

func TestAPI_JWTIdentity(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, RouterOptions{JWTSecret: secret})

	sign := func(t *testing.T, key, sub string) string {
		t.Helper()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(key))
		require.NoError(t, err)
		return signed
	}
	call := func(authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/employers", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		// ignored when a secret is configured
		req.Header.Set(ParticipantHeader, "mallory")
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+sign(t, "wrong-secret", "acme")).Code)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+sign(t, secret, "")).Code)

	rec := call("Bearer " + sign(t, secret, "acme"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "acme", decodeBody[map[string]string](t, rec)["employer_id"])
}

func TestAPI_AdminRoutesNeedWallets(t *testing.T) {
	svc, err := insurance.NewService(insurance.Params{
		Store: memory.New(),
		Rail:  rail.NewAttested(generic.UnitNative, nil),
	})
	require.NoError(t, err)
	router := NewRouter(NewHandler(svc, nil), RouterOptions{Gatherer: prometheus.NewRegistry()})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/wallets/acme/fund", strings.NewReader(`{"amount":"10"}`))
	req.Header.Set(ParticipantHeader, "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_AdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t, RouterOptions{Admins: []string{"treasury"}})

	// GIVEN: a participant outside the admin list
	rec := ts.do(t, http.MethodPost, "/api/admin/wallets/mallory/fund", "mallory", map[string]any{"amount": "1000"})

	// THEN: funding is refused and the wallet stays empty
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, ts.wallets.Balance("mallory").IsZero())
	rec = ts.do(t, http.MethodGet, "/api/admin/wallets/mallory", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// AND: a listed admin may fund
	rec = ts.do(t, http.MethodPost, "/api/admin/wallets/mallory/fund", "treasury", map[string]any{"amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000", decodeBody[WalletDTO](t, rec).Balance.String())
}

func TestAPI_AdminRoutesClosedWithoutAdmins(t *testing.T) {
	ts := newTestServer(t, RouterOptions{Admins: []string{}})

	rec := ts.do(t, http.MethodPost, "/api/admin/wallets/acme/fund", "admin", map[string]any{"amount": "10"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("database is locked") }

func TestAPI_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.do(t, http.MethodPost, "/api/employers", "acme", nil)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "benefit_pool_operations_total")

	h := NewHandler(ts.svc, nil)
	h.Health = downStore{}
	down := httptest.NewRecorder()
	h.Healthz(down, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, down.Code)
}
