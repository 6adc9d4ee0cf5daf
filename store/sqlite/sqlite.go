/*
Package sqlite provides a SQLite-backed insurance.TxStore.

PURPOSE:
  Persists the pool ledger, the participant registry, employments, claims
  and the audit log in one database so a single SQL transaction can span
  all of them.

APPEND-ONLY ENFORCEMENT:
  pool_transactions and events are never updated or deleted. Corrections to
  the pool are reversal transactions. Employments and claims are upserted
  by key.

KEY TABLES:
  pool_transactions: Immutable ledger of premium credits and benefit debits
  employers, employees: Registry
  employments:       One row per (employer, employee)
  claims:            One row per employee, ever
  events:            Audit log of committed mutations

TIME AND MONEY:
  Times are RFC3339Nano UTC text, NULL when unset. Amounts are decimal
  strings plus a unit column, never floats.

CONCURRENCY:
  The pool is limited to one connection, so transactions are serialized and
  an in-memory database is shared by every caller. WithTx additionally holds
  a mutex for the duration of fn.

USAGE:
  store, err := sqlite.New("./data/benefit-pool.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - insurance/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/benefit-pool/generic"
	"github.com/warp/benefit-pool/insurance"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements insurance.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var (
	_ insurance.TxStore = (*Store)(nil)
	_ insurance.Store   = (*queries)(nil)
)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(insurance.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	-- Pool ledger (append-only)
	CREATE TABLE IF NOT EXISTS pool_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tx_type TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		account TEXT,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		effective_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pool_transactions_reference
		ON pool_transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Registry
	CREATE TABLE IF NOT EXISTS employers (
		id TEXT PRIMARY KEY,
		registered_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		registered_at TEXT NOT NULL
	);

	-- Employments
	CREATE TABLE IF NOT EXISTS employments (
		employer_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		salary_value TEXT NOT NULL,
		salary_unit TEXT NOT NULL,
		premiums_value TEXT NOT NULL,
		premiums_unit TEXT NOT NULL,
		last_premium_at TEXT,
		active INTEGER NOT NULL,
		PRIMARY KEY (employer_id, employee_id)
	);

	-- Claims
	CREATE TABLE IF NOT EXISTS claims (
		employee_id TEXT PRIMARY KEY,
		employer_id TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		declared_end TEXT,
		confirmed_end TEXT,
		status TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		benefit_value TEXT NOT NULL,
		benefit_unit TEXT NOT NULL,
		months_withdrawn INTEGER NOT NULL,
		approved_at TEXT,
		approved_by TEXT,
		last_withdrawal_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status, applied_at);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		employer_id TEXT,
		employee_id TEXT,
		amount_value TEXT,
		amount_unit TEXT,
		at TEXT NOT NULL,
		attributes_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_employee ON events(employee_id);
	CREATE INDEX IF NOT EXISTS idx_events_employer ON events(employer_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// QUERIES - Shared by the store and its transactions
// =============================================================================

type queries struct {
	q queryer
}

// Pool ledger

func (s *queries) Append(ctx context.Context, tx generic.Transaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pool_transactions
		(id, tx_type, delta_value, delta_unit, account, reference_id, reason,
		 idempotency_key, metadata_json, effective_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.Type),
		tx.Delta.Value.String(),
		string(tx.Delta.Unit),
		nullString(tx.Account),
		nullString(tx.ReferenceID),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		metadataJSON,
		formatTime(tx.EffectiveAt),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w: %w", generic.ErrTransactionFailed, err)
	}
	return nil
}

func (s *queries) Load(ctx context.Context) ([]generic.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tx_type, delta_value, delta_unit, account, reference_id, reason,
		       idempotency_key, metadata_json, effective_at, created_at
		FROM pool_transactions
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		var (
			tx                                generic.Transaction
			id, txType, deltaValue, deltaUnit string
			account, referenceID, reason      sql.NullString
			idempotencyKey, metadataJSON      sql.NullString
			effectiveAt, createdAt            sql.NullString
		)
		if err := rows.Scan(&id, &txType, &deltaValue, &deltaUnit, &account, &referenceID, &reason,
			&idempotencyKey, &metadataJSON, &effectiveAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		tx.ID = generic.TransactionID(id)
		tx.Type = generic.TransactionType(txType)
		if tx.Delta, err = parseAmount(deltaValue, deltaUnit); err != nil {
			return nil, err
		}
		tx.Account = account.String
		tx.ReferenceID = referenceID.String
		tx.Reason = reason.String
		tx.IdempotencyKey = idempotencyKey.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", id, err)
			}
		}
		tx.EffectiveAt = parseTime(effectiveAt)
		tx.CreatedAt = parseTime(createdAt)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (s *queries) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pool_transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

// Registry

func (s *queries) SaveEmployer(ctx context.Context, id insurance.ParticipantID, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO employers (id, registered_at) VALUES (?, ?)",
		string(id), formatTime(at))
	return err
}

func (s *queries) IsEmployer(ctx context.Context, id insurance.ParticipantID) (bool, error) {
	return s.exists(ctx, "SELECT COUNT(*) FROM employers WHERE id = ?", string(id))
}

func (s *queries) SaveEmployee(ctx context.Context, id insurance.ParticipantID, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO employees (id, registered_at) VALUES (?, ?)",
		string(id), formatTime(at))
	return err
}

func (s *queries) IsEmployee(ctx context.Context, id insurance.ParticipantID) (bool, error) {
	return s.exists(ctx, "SELECT COUNT(*) FROM employees WHERE id = ?", string(id))
}

func (s *queries) CountParticipants(ctx context.Context) (int, int, error) {
	var employers, employees int
	err := s.q.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM employers), (SELECT COUNT(*) FROM employees)",
	).Scan(&employers, &employees)
	return employers, employees, err
}

func (s *queries) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Employments

const employmentColumns = `employer_id, employee_id, start_time, end_time, salary_value, salary_unit,
	premiums_value, premiums_unit, last_premium_at, active`

func (s *queries) GetEmployment(ctx context.Context, employer, employee insurance.ParticipantID) (*insurance.Employment, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+employmentColumns+" FROM employments WHERE employer_id = ? AND employee_id = ?",
		string(employer), string(employee))
	if err != nil {
		return nil, fmt.Errorf("failed to query employment: %w", err)
	}
	list, err := scanEmployments(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *queries) SaveEmployment(ctx context.Context, e insurance.Employment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO employments (`+employmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employer_id, employee_id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			salary_value = excluded.salary_value,
			salary_unit = excluded.salary_unit,
			premiums_value = excluded.premiums_value,
			premiums_unit = excluded.premiums_unit,
			last_premium_at = excluded.last_premium_at,
			active = excluded.active`,
		string(e.EmployerID),
		string(e.EmployeeID),
		formatTime(e.StartTime),
		nullTime(e.EndTime),
		e.MonthlySalary.Value.String(),
		string(e.MonthlySalary.Unit),
		e.TotalPremiumsPaid.Value.String(),
		string(e.TotalPremiumsPaid.Unit),
		nullTime(e.LastPremiumPaidAt),
		e.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save employment: %w", err)
	}
	return nil
}

func (s *queries) ListEmployments(ctx context.Context, employer insurance.ParticipantID) ([]insurance.Employment, error) {
	query := "SELECT " + employmentColumns + " FROM employments"
	var args []any
	if employer != "" {
		query += " WHERE employer_id = ?"
		args = append(args, string(employer))
	}
	query += " ORDER BY start_time ASC, employee_id ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query employments: %w", err)
	}
	return scanEmployments(rows)
}

func scanEmployments(rows *sql.Rows) ([]insurance.Employment, error) {
	defer rows.Close()

	var result []insurance.Employment
	for rows.Next() {
		var (
			e                           insurance.Employment
			employer, employee          string
			start, end, lastPremium     sql.NullString
			salaryValue, salaryUnit     string
			premiumsValue, premiumsUnit string
			err                         error
		)
		if err := rows.Scan(&employer, &employee, &start, &end, &salaryValue, &salaryUnit,
			&premiumsValue, &premiumsUnit, &lastPremium, &e.Active); err != nil {
			return nil, fmt.Errorf("failed to scan employment: %w", err)
		}
		e.EmployerID = insurance.ParticipantID(employer)
		e.EmployeeID = insurance.ParticipantID(employee)
		e.StartTime = parseTime(start)
		e.EndTime = parseTime(end)
		e.LastPremiumPaidAt = parseTime(lastPremium)
		if e.MonthlySalary, err = parseAmount(salaryValue, salaryUnit); err != nil {
			return nil, err
		}
		if e.TotalPremiumsPaid, err = parseAmount(premiumsValue, premiumsUnit); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Claims

const claimColumns = `employee_id, employer_id, applied_at, declared_end, confirmed_end, status,
	duration_months, benefit_value, benefit_unit, months_withdrawn, approved_at, approved_by,
	last_withdrawal_at, updated_at`

func (s *queries) GetClaim(ctx context.Context, employee insurance.ParticipantID) (*insurance.Claim, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+claimColumns+" FROM claims WHERE employee_id = ?", string(employee))
	if err != nil {
		return nil, fmt.Errorf("failed to query claim: %w", err)
	}
	list, err := scanClaims(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *queries) SaveClaim(ctx context.Context, c insurance.Claim) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id) DO UPDATE SET
			employer_id = excluded.employer_id,
			applied_at = excluded.applied_at,
			declared_end = excluded.declared_end,
			confirmed_end = excluded.confirmed_end,
			status = excluded.status,
			duration_months = excluded.duration_months,
			benefit_value = excluded.benefit_value,
			benefit_unit = excluded.benefit_unit,
			months_withdrawn = excluded.months_withdrawn,
			approved_at = excluded.approved_at,
			approved_by = excluded.approved_by,
			last_withdrawal_at = excluded.last_withdrawal_at,
			updated_at = excluded.updated_at`,
		string(c.EmployeeID),
		string(c.EmployerID),
		formatTime(c.AppliedAt),
		nullTime(c.DeclaredEndDate),
		nullTime(c.ConfirmedEndDate),
		string(c.Status),
		c.BenefitDurationMonths,
		c.MonthlyBenefit.Value.String(),
		string(c.MonthlyBenefit.Unit),
		c.MonthsWithdrawn,
		nullTime(c.ApprovedAt),
		nullString(string(c.ApprovedBy)),
		nullTime(c.LastWithdrawalAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save claim: %w", err)
	}
	return nil
}

func (s *queries) ListClaims(ctx context.Context, status insurance.ClaimStatus) ([]insurance.Claim, error) {
	query := "SELECT " + claimColumns + " FROM claims"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY applied_at ASC, employee_id ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	return scanClaims(rows)
}

func scanClaims(rows *sql.Rows) ([]insurance.Claim, error) {
	defer rows.Close()

	var result []insurance.Claim
	for rows.Next() {
		var (
			c                                        insurance.Claim
			employee, employer, status               string
			applied, declared, confirmed, approvedAt sql.NullString
			lastWithdrawal, updated, approvedBy      sql.NullString
			benefitValue, benefitUnit                string
			err                                      error
		)
		if err := rows.Scan(&employee, &employer, &applied, &declared, &confirmed, &status,
			&c.BenefitDurationMonths, &benefitValue, &benefitUnit, &c.MonthsWithdrawn,
			&approvedAt, &approvedBy, &lastWithdrawal, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		c.EmployeeID = insurance.ParticipantID(employee)
		c.EmployerID = insurance.ParticipantID(employer)
		c.Status = insurance.ClaimStatus(status)
		c.AppliedAt = parseTime(applied)
		c.DeclaredEndDate = parseTime(declared)
		c.ConfirmedEndDate = parseTime(confirmed)
		c.ApprovedAt = parseTime(approvedAt)
		c.ApprovedBy = insurance.ParticipantID(approvedBy.String)
		c.LastWithdrawalAt = parseTime(lastWithdrawal)
		c.UpdatedAt = parseTime(updated)
		if c.MonthlyBenefit, err = parseAmount(benefitValue, benefitUnit); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Audit log

func (s *queries) AppendEvent(ctx context.Context, e insurance.Event) error {
	var attributes sql.NullString
	if len(e.Attributes) > 0 {
		b, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		attributes = sql.NullString{String: string(b), Valid: true}
	}

	var amountValue, amountUnit sql.NullString
	if e.Amount.Unit != "" {
		amountValue = nullString(e.Amount.Value.String())
		amountUnit = nullString(string(e.Amount.Unit))
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO events (id, type, employer_id, employee_id, amount_value, amount_unit, at, attributes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		string(e.Type),
		nullString(string(e.EmployerID)),
		nullString(string(e.EmployeeID)),
		amountValue,
		amountUnit,
		formatTime(e.At),
		attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *queries) ListEvents(ctx context.Context, filter insurance.EventFilter) ([]insurance.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.EmployerID != "" {
		where = append(where, "employer_id = ?")
		args = append(args, string(filter.EmployerID))
	}
	if filter.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, string(filter.EmployeeID))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT id, type, employer_id, employee_id, amount_value, amount_unit, at, attributes_json FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// newest first so LIMIT keeps the most recent, reversed below
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []insurance.Event
	for rows.Next() {
		var (
			e                                           insurance.Event
			eventType                                   string
			employer, employee, amountValue, amountUnit sql.NullString
			at, attributes                              sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventType, &employer, &employee, &amountValue, &amountUnit, &at, &attributes); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = insurance.EventType(eventType)
		e.EmployerID = insurance.ParticipantID(employer.String)
		e.EmployeeID = insurance.ParticipantID(employee.String)
		e.At = parseTime(at)
		if amountValue.Valid {
			if e.Amount, err = parseAmount(amountValue.String, amountUnit.String); err != nil {
				return nil, err
			}
		}
		if attributes.Valid && attributes.String != "" {
			if err := json.Unmarshal([]byte(attributes.String), &e.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode attributes of %s: %w", e.ID, err)
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseAmount(value, unit string) (generic.Amount, error) {
	a, err := generic.ParseAmount(value, generic.Unit(unit))
	if err != nil {
		return generic.Amount{}, fmt.Errorf("failed to parse amount %q: %w", value, err)
	}
	return a, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
