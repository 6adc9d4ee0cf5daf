/*
store.go - Persistence contract for the benefit pool

PURPOSE:
  One Store covers every record the domain touches: the pool's transaction
  ledger, the participant registry, employments, claims and the audit log.
  Keeping them behind a single interface is what lets one store transaction
  span an employment and a claim (approval) or a claim and the pool
  (withdrawal).

TRANSACTIONS:
  TxStore.WithTx runs fn against a transactional view. If fn returns an error
  nothing it wrote is visible afterwards. Implementations serialize
  transactions, so reads inside fn observe a stable state.

NOT FOUND:
  Get* methods return (nil, nil) for an absent record. The domain decides
  which error that is.

IMPLEMENTATIONS:
  - store/memory: Snapshot + rollback, for tests and dev
  - store/sqlite: database/sql transactions over go-sqlite3
*/
package insurance

import (
	"context"
	"time"

	"github.com/warp/benefit-pool/generic"
)

type Store interface {
	// Pool ledger (append-only)
	generic.Store

	// Participant registry
	SaveEmployer(ctx context.Context, id ParticipantID, at time.Time) error
	IsEmployer(ctx context.Context, id ParticipantID) (bool, error)
	SaveEmployee(ctx context.Context, id ParticipantID, at time.Time) error
	IsEmployee(ctx context.Context, id ParticipantID) (bool, error)
	CountParticipants(ctx context.Context) (employers, employees int, err error)

	// Employments, keyed by (employer, employee)
	GetEmployment(ctx context.Context, employer, employee ParticipantID) (*Employment, error)
	SaveEmployment(ctx context.Context, e Employment) error
	ListEmployments(ctx context.Context, employer ParticipantID) ([]Employment, error)

	// Claims, keyed by employee
	GetClaim(ctx context.Context, employee ParticipantID) (*Claim, error)
	SaveClaim(ctx context.Context, c Claim) error
	ListClaims(ctx context.Context, status ClaimStatus) ([]Claim, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
