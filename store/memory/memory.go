// Package memory provides an in-memory insurance.TxStore for tests and dev.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

type employmentID struct {
	employer insurance.ParticipantID
	employee insurance.ParticipantID
}

// state is the unlocked data shared by Store and its transactional view.
type state struct {
	transactions []generic.Transaction
	idempotency  map[string]bool
	employers    map[insurance.ParticipantID]time.Time
	employees    map[insurance.ParticipantID]time.Time
	employments  map[employmentID]insurance.Employment
	claims       map[insurance.ParticipantID]insurance.Claim
	events       []insurance.Event
}

func newState() *state {
	return &state{
		idempotency: make(map[string]bool),
		employers:   make(map[insurance.ParticipantID]time.Time),
		employees:   make(map[insurance.ParticipantID]time.Time),
		employments: make(map[employmentID]insurance.Employment),
		claims:      make(map[insurance.ParticipantID]insurance.Claim),
	}
}

func (s *state) clone() *state {
	return &state{
		transactions: slices.Clone(s.transactions),
		idempotency:  maps.Clone(s.idempotency),
		employers:    maps.Clone(s.employers),
		employees:    maps.Clone(s.employees),
		employments:  maps.Clone(s.employments),
		claims:       maps.Clone(s.claims),
		events:       slices.Clone(s.events),
	}
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu sync.RWMutex
	s  *state
}

func New() *Store {
	return &Store{s: newState()}
}

var (
	_ insurance.TxStore = (*Store)(nil)
	_ insurance.Store   = (*view)(nil)
)

// WithTx executes fn within a transaction.
// Writes go straight to the live state; a snapshot taken up front is
// restored if fn fails. Transactions are serialized.
func (m *Store) WithTx(ctx context.Context, fn func(insurance.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&view{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (m *Store) read() *view {
	return &view{s: m.s}
}

func (m *Store) Append(ctx context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().Append(ctx, tx)
}

func (m *Store) Load(ctx context.Context) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Load(ctx)
}

func (m *Store) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Exists(ctx, key)
}

func (m *Store) SaveEmployer(ctx context.Context, id insurance.ParticipantID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveEmployer(ctx, id, at)
}

func (m *Store) IsEmployer(ctx context.Context, id insurance.ParticipantID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().IsEmployer(ctx, id)
}

func (m *Store) SaveEmployee(ctx context.Context, id insurance.ParticipantID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveEmployee(ctx, id, at)
}

func (m *Store) IsEmployee(ctx context.Context, id insurance.ParticipantID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().IsEmployee(ctx, id)
}

func (m *Store) CountParticipants(ctx context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().CountParticipants(ctx)
}

func (m *Store) GetEmployment(ctx context.Context, employer, employee insurance.ParticipantID) (*insurance.Employment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetEmployment(ctx, employer, employee)
}

func (m *Store) SaveEmployment(ctx context.Context, e insurance.Employment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveEmployment(ctx, e)
}

func (m *Store) ListEmployments(ctx context.Context, employer insurance.ParticipantID) ([]insurance.Employment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListEmployments(ctx, employer)
}

func (m *Store) GetClaim(ctx context.Context, employee insurance.ParticipantID) (*insurance.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetClaim(ctx, employee)
}

func (m *Store) SaveClaim(ctx context.Context, c insurance.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveClaim(ctx, c)
}

func (m *Store) ListClaims(ctx context.Context, status insurance.ClaimStatus) ([]insurance.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListClaims(ctx, status)
}

func (m *Store) AppendEvent(ctx context.Context, e insurance.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendEvent(ctx, e)
}

func (m *Store) ListEvents(ctx context.Context, filter insurance.EventFilter) ([]insurance.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListEvents(ctx, filter)
}

// =============================================================================
// VIEW - Operates on state; the caller holds the lock
// =============================================================================

type view struct {
	s *state
}

func (v *view) Append(_ context.Context, tx generic.Transaction) error {
	if tx.IdempotencyKey != "" && v.s.idempotency[tx.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	v.s.transactions = append(v.s.transactions, tx)
	if tx.IdempotencyKey != "" {
		v.s.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (v *view) Load(_ context.Context) ([]generic.Transaction, error) {
	return slices.Clone(v.s.transactions), nil
}

func (v *view) Exists(_ context.Context, key string) (bool, error) {
	return v.s.idempotency[key], nil
}

func (v *view) SaveEmployer(_ context.Context, id insurance.ParticipantID, at time.Time) error {
	v.s.employers[id] = at
	return nil
}

func (v *view) IsEmployer(_ context.Context, id insurance.ParticipantID) (bool, error) {
	_, ok := v.s.employers[id]
	return ok, nil
}

func (v *view) SaveEmployee(_ context.Context, id insurance.ParticipantID, at time.Time) error {
	v.s.employees[id] = at
	return nil
}

func (v *view) IsEmployee(_ context.Context, id insurance.ParticipantID) (bool, error) {
	_, ok := v.s.employees[id]
	return ok, nil
}

func (v *view) CountParticipants(_ context.Context) (int, int, error) {
	return len(v.s.employers), len(v.s.employees), nil
}

func (v *view) GetEmployment(_ context.Context, employer, employee insurance.ParticipantID) (*insurance.Employment, error) {
	e, ok := v.s.employments[employmentID{employer, employee}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (v *view) SaveEmployment(_ context.Context, e insurance.Employment) error {
	v.s.employments[employmentID{e.EmployerID, e.EmployeeID}] = e
	return nil
}

func (v *view) ListEmployments(_ context.Context, employer insurance.ParticipantID) ([]insurance.Employment, error) {
	var result []insurance.Employment
	for _, e := range v.s.employments {
		if employer == "" || e.EmployerID == employer {
			result = append(result, e)
		}
	}
	slices.SortFunc(result, func(a, b insurance.Employment) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.EmployeeID, b.EmployeeID)
	})
	return result, nil
}

func (v *view) GetClaim(_ context.Context, employee insurance.ParticipantID) (*insurance.Claim, error) {
	c, ok := v.s.claims[employee]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (v *view) SaveClaim(_ context.Context, c insurance.Claim) error {
	v.s.claims[c.EmployeeID] = c
	return nil
}

func (v *view) ListClaims(_ context.Context, status insurance.ClaimStatus) ([]insurance.Claim, error) {
	var result []insurance.Claim
	for _, c := range v.s.claims {
		if status == "" || c.Status == status {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b insurance.Claim) int {
		if c := a.AppliedAt.Compare(b.AppliedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EmployeeID, b.EmployeeID)
	})
	return result, nil
}

func (v *view) AppendEvent(_ context.Context, e insurance.Event) error {
	e.Attributes = maps.Clone(e.Attributes)
	v.s.events = append(v.s.events, e)
	return nil
}

func (v *view) ListEvents(_ context.Context, filter insurance.EventFilter) ([]insurance.Event, error) {
	var result []insurance.Event
	for _, e := range v.s.events {
		if !filter.Matches(e) {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}
