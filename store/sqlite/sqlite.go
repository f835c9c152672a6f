/*
Package sqlite provides a SQLite-backed implementation of the dues storage interfaces.

PURPOSE:
  Implements dues.TxStore and gateway.SessionStore on SQLite. In production
  the same schema ports to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  dues.TxStore:         flats, billing periods, audits, payments + WithTx
  gateway.SessionStore: checkout sessions and gateway orders

INSERT-ONLY PAYMENTS:
  - No UPDATE statements on the payments table
  - No DELETE statements on the payments table
  - Deleting a flat that payments reference fails on the foreign key

KEY TABLES:
  flats:                units, unique number, optional custom charge
  billing_periods:      one row per (year, month)
  billing_period_audit: overwrite history under the audit policy
  payments:             the ledger
  gateway_sessions:     transient gateway state with an optimistic version

INDEXES:
  - idx_unique_paid_payment: at most one paid payment per (flat, period).
    This is the backstop for the recorder's check-and-insert.
  - payments.receipt_number UNIQUE
  - idx_payments_period: summaries and dashboards (hot path)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection so that
  ":memory:" databases are shared by every call. WithTx holds the write lock
  for the whole transaction.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  recorder := dues.NewRecorder(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - dues/store.go: interface definitions
  - dues/store/memory.go: in-memory implementation for tests
  - gateway/session.go: SessionStore contract
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

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/gateway"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ dues.TxStore         = (*Store)(nil)
	_ gateway.SessionStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an already opened database without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flats (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		owner_name TEXT,
		owner_email TEXT,
		owner_phone TEXT,
		size TEXT,
		custom_charge TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS billing_periods (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		base_charge TEXT NOT NULL,
		breakdown_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (year, month)
	);

	CREATE TABLE IF NOT EXISTS billing_period_audit (
		id TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		old_base_charge TEXT NOT NULL,
		new_base_charge TEXT NOT NULL,
		actor_id TEXT,
		payments_at_change INTEGER NOT NULL DEFAULT 0,
		changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_period_audit_period
		ON billing_period_audit(year, month);

	-- Insert-only ledger
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		flat_id TEXT NOT NULL REFERENCES flats(id) ON DELETE RESTRICT,
		flat_number TEXT,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		receipt_number TEXT NOT NULL UNIQUE,
		paid_at TEXT NOT NULL,
		provider TEXT,
		gateway_ref TEXT,
		recorded_by TEXT
	);

	-- CRITICAL: at most one paid payment per flat and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_paid_payment
		ON payments(flat_id, year, month)
		WHERE status = 'paid';

	CREATE INDEX IF NOT EXISTS idx_payments_period
		ON payments(year, month);

	CREATE TABLE IF NOT EXISTS gateway_sessions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		provider TEXT,
		flat_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT,
		status TEXT NOT NULL,
		redirect_url TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		gateway_payment_id TEXT,
		payment_id TEXT,
		initiated_by TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gateway_sessions_flat_period
		ON gateway_sessions(flat_id, year, month);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// FLATS (dues.FlatStore)
// =============================================================================

func (s *Store) SaveFlat(ctx context.Context, f dues.Flat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveFlat(ctx, s.db, f)
}

func (s *Store) GetFlat(ctx context.Context, id dues.FlatID) (*dues.Flat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getFlat(ctx, s.db, id)
}

func (s *Store) ListFlats(ctx context.Context) ([]dues.Flat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFlats(ctx, s.db)
}

func (s *Store) DeleteFlat(ctx context.Context, id dues.FlatID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteFlat(ctx, s.db, id)
}

func saveFlat(ctx context.Context, q querier, f dues.Flat) error {
	var custom sql.NullString
	if f.CustomCharge != nil {
		custom = sql.NullString{String: f.CustomCharge.String(), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO flats (id, number, owner_name, owner_email, owner_phone, size, custom_charge, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			owner_name = excluded.owner_name,
			owner_email = excluded.owner_email,
			owner_phone = excluded.owner_phone,
			size = excluded.size,
			custom_charge = excluded.custom_charge
	`,
		string(f.ID), f.Number,
		nullString(f.OwnerName), nullString(f.OwnerEmail), nullString(f.OwnerPhone), nullString(f.Size),
		custom, formatTime(f.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return dues.ErrDuplicateFlatNumber
		}
		return fmt.Errorf("failed to save flat: %w", err)
	}
	return nil
}

const flatColumns = `id, number, owner_name, owner_email, owner_phone, size, custom_charge, created_at`

func getFlat(ctx context.Context, q querier, id dues.FlatID) (*dues.Flat, error) {
	row := q.QueryRowContext(ctx, `SELECT `+flatColumns+` FROM flats WHERE id = ?`, string(id))
	f, err := scanFlat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func listFlats(ctx context.Context, q querier) ([]dues.Flat, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+flatColumns+` FROM flats ORDER BY number ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flats: %w", err)
	}
	defer rows.Close()

	var flats []dues.Flat
	for rows.Next() {
		f, err := scanFlat(rows)
		if err != nil {
			return nil, err
		}
		flats = append(flats, f)
	}
	return flats, rows.Err()
}

func deleteFlat(ctx context.Context, q querier, id dues.FlatID) error {
	_, err := q.ExecContext(ctx, `DELETE FROM flats WHERE id = ?`, string(id))
	if err != nil {
		if isForeignKeyError(err) {
			return dues.ErrFlatHasPayments
		}
		return fmt.Errorf("failed to delete flat: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFlat(sc scanner) (dues.Flat, error) {
	var (
		f                     dues.Flat
		id                    string
		ownerName, ownerEmail sql.NullString
		ownerPhone, size      sql.NullString
		customCharge          sql.NullString
		createdAt             string
	)
	if err := sc.Scan(&id, &f.Number, &ownerName, &ownerEmail, &ownerPhone, &size, &customCharge, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan flat: %w", err)
	}

	f.ID = dues.FlatID(id)
	f.OwnerName = ownerName.String
	f.OwnerEmail = ownerEmail.String
	f.OwnerPhone = ownerPhone.String
	f.Size = size.String
	if customCharge.Valid {
		c := dues.MustParseMoney(customCharge.String)
		f.CustomCharge = &c
	}
	f.CreatedAt = parseTime(createdAt)
	return f, nil
}

// =============================================================================
// BILLING PERIODS (dues.PeriodStore)
// =============================================================================

func (s *Store) SaveBillingPeriod(ctx context.Context, bp dues.BillingPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBillingPeriod(ctx, s.db, bp)
}

func (s *Store) GetBillingPeriod(ctx context.Context, p dues.Period) (*dues.BillingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBillingPeriod(ctx, s.db, p)
}

func (s *Store) ListBillingPeriods(ctx context.Context) ([]dues.BillingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBillingPeriods(ctx, s.db)
}

func (s *Store) AppendPeriodAudit(ctx context.Context, a dues.PeriodAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendPeriodAudit(ctx, s.db, a)
}

func (s *Store) ListPeriodAudits(ctx context.Context, p dues.Period) ([]dues.PeriodAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPeriodAudits(ctx, s.db, p)
}

func saveBillingPeriod(ctx context.Context, q querier, bp dues.BillingPeriod) error {
	breakdownJSON, err := json.Marshal(bp.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO billing_periods (year, month, base_charge, breakdown_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(year, month) DO UPDATE SET
			base_charge = excluded.base_charge,
			breakdown_json = excluded.breakdown_json,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		bp.Period.Year, bp.Period.Month, bp.BaseCharge.String(), string(breakdownJSON),
		formatTime(bp.CreatedAt), formatTime(bp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save billing period: %w", err)
	}
	return nil
}

const periodColumns = `year, month, base_charge, breakdown_json, created_at, updated_at`

func getBillingPeriod(ctx context.Context, q querier, p dues.Period) (*dues.BillingPeriod, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM billing_periods WHERE year = ? AND month = ?`,
		p.Year, p.Month,
	)
	bp, err := scanBillingPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bp, nil
}

func listBillingPeriods(ctx context.Context, q querier) ([]dues.BillingPeriod, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+periodColumns+` FROM billing_periods ORDER BY year DESC, month DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing periods: %w", err)
	}
	defer rows.Close()

	var periods []dues.BillingPeriod
	for rows.Next() {
		bp, err := scanBillingPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, bp)
	}
	return periods, rows.Err()
}

func scanBillingPeriod(sc scanner) (dues.BillingPeriod, error) {
	var (
		bp                   dues.BillingPeriod
		baseCharge           string
		breakdownJSON        sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&bp.Period.Year, &bp.Period.Month, &baseCharge, &breakdownJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bp, err
		}
		return bp, fmt.Errorf("failed to scan billing period: %w", err)
	}

	bp.BaseCharge = dues.MustParseMoney(baseCharge)
	if breakdownJSON.Valid && breakdownJSON.String != "" && breakdownJSON.String != "null" {
		if err := json.Unmarshal([]byte(breakdownJSON.String), &bp.Breakdown); err != nil {
			return bp, fmt.Errorf("failed to decode breakdown for %s: %w", bp.Period, err)
		}
	}
	bp.CreatedAt = parseTime(createdAt)
	bp.UpdatedAt = parseTime(updatedAt)
	return bp, nil
}

func appendPeriodAudit(ctx context.Context, q querier, a dues.PeriodAudit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO billing_period_audit
		(id, year, month, old_base_charge, new_base_charge, actor_id, payments_at_change, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.Period.Year, a.Period.Month, a.OldBaseCharge.String(), a.NewBaseCharge.String(),
		nullString(a.ActorID), a.PaymentsAtChange, formatTime(a.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append period audit: %w", err)
	}
	return nil
}

func listPeriodAudits(ctx context.Context, q querier, p dues.Period) ([]dues.PeriodAudit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, year, month, old_base_charge, new_base_charge, actor_id, payments_at_change, changed_at
		FROM billing_period_audit
		WHERE year = ? AND month = ?
		ORDER BY changed_at ASC, rowid ASC
	`, p.Year, p.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to query period audits: %w", err)
	}
	defer rows.Close()

	var audits []dues.PeriodAudit
	for rows.Next() {
		var (
			a                dues.PeriodAudit
			oldBase, newBase string
			actorID          sql.NullString
			changedAt        string
		)
		if err := rows.Scan(&a.ID, &a.Period.Year, &a.Period.Month, &oldBase, &newBase,
			&actorID, &a.PaymentsAtChange, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan period audit: %w", err)
		}
		a.OldBaseCharge = dues.MustParseMoney(oldBase)
		a.NewBaseCharge = dues.MustParseMoney(newBase)
		a.ActorID = actorID.String
		a.ChangedAt = parseTime(changedAt)
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// =============================================================================
// PAYMENTS (dues.PaymentStore)
// =============================================================================

// InsertPayment adds a payment to the ledger.
func (s *Store) InsertPayment(ctx context.Context, p dues.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPayment(ctx, s.db, p)
}

func (s *Store) FindPaidPayment(ctx context.Context, flatID dues.FlatID, period dues.Period) (*dues.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findPaidPayment(ctx, s.db, flatID, period)
}

func (s *Store) ListPayments(ctx context.Context, filter dues.PaymentFilter) ([]dues.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, filter)
}

func (s *Store) CountPayments(ctx context.Context, period dues.Period) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countPayments(ctx, s.db, period)
}

func insertPayment(ctx context.Context, q querier, p dues.Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments
		(id, flat_id, flat_number, year, month, amount, method, status,
		 receipt_number, paid_at, provider, gateway_ref, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.ID), string(p.FlatID), nullString(p.FlatNumber),
		p.Period.Year, p.Period.Month, p.Amount.String(),
		string(p.Method), string(p.Status), p.ReceiptNumber,
		formatTime(p.PaidAt), nullString(p.Provider), nullString(p.GatewayRef), nullString(p.RecordedBy),
	)
	if err != nil {
		switch {
		case isPaidPaymentUniquenessError(err):
			return dues.ErrDuplicatePayment
		case isReceiptUniquenessError(err):
			return dues.ErrDuplicateReceipt
		case isForeignKeyError(err):
			return dues.ErrInvalidFlat
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, flat_id, flat_number, year, month, amount, method, status,
	receipt_number, paid_at, provider, gateway_ref, recorded_by`

func findPaidPayment(ctx context.Context, q querier, flatID dues.FlatID, period dues.Period) (*dues.Payment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE flat_id = ? AND year = ? AND month = ? AND status = 'paid'
	`, string(flatID), period.Year, period.Month)

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func listPayments(ctx context.Context, q querier, filter dues.PaymentFilter) ([]dues.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1 = 1`
	var args []any
	if filter.FlatID != "" {
		query += ` AND flat_id = ?`
		args = append(args, string(filter.FlatID))
	}
	if filter.Period != nil {
		query += ` AND year = ? AND month = ?`
		args = append(args, filter.Period.Year, filter.Period.Month)
	}
	query += ` ORDER BY rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []dues.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func countPayments(ctx context.Context, q querier, period dues.Period) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE year = ? AND month = ?`,
		period.Year, period.Month,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count payments: %w", err)
	}
	return n, nil
}

func scanPayment(sc scanner) (dues.Payment, error) {
	var (
		p                                dues.Payment
		id, flatID, amount               string
		method, status, paidAt           string
		flatNumber, provider, gatewayRef sql.NullString
		recordedBy                       sql.NullString
	)
	err := sc.Scan(&id, &flatID, &flatNumber, &p.Period.Year, &p.Period.Month, &amount,
		&method, &status, &p.ReceiptNumber, &paidAt, &provider, &gatewayRef, &recordedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	p.ID = dues.PaymentID(id)
	p.FlatID = dues.FlatID(flatID)
	p.FlatNumber = flatNumber.String
	p.Amount = dues.MustParseMoney(amount)
	p.Method = dues.Method(method)
	p.Status = dues.Status(status)
	p.PaidAt = parseTime(paidAt)
	p.Provider = provider.String
	p.GatewayRef = gatewayRef.String
	p.RecordedBy = recordedBy.String
	return p, nil
}

// =============================================================================
// GATEWAY SESSIONS (gateway.SessionStore)
// =============================================================================

func (s *Store) CreateSession(ctx context.Context, gs gateway.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions
		(id, kind, provider, flat_id, year, month, amount, currency, status, redirect_url,
		 attempts, gateway_payment_id, payment_id, initiated_by, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		gs.ID, string(gs.Kind), nullString(gs.Provider), string(gs.FlatID),
		gs.Period.Year, gs.Period.Month, gs.Amount.String(), nullString(gs.Currency),
		string(gs.Status), nullString(gs.RedirectURL), gs.Attempts,
		nullString(gs.GatewayPaymentID), nullString(string(gs.PaymentID)), nullString(gs.InitiatedBy),
		gs.Version, formatTime(gs.CreatedAt), formatTime(gs.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return gateway.ErrSessionExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*gateway.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(ctx, s.db, id)
}

// UpdateSession is a compare-and-swap on the version column.
func (s *Store) UpdateSession(ctx context.Context, gs gateway.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_sessions SET
			provider = ?, amount = ?, currency = ?, status = ?, redirect_url = ?,
			attempts = ?, gateway_payment_id = ?, payment_id = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		nullString(gs.Provider), gs.Amount.String(), nullString(gs.Currency), string(gs.Status),
		nullString(gs.RedirectURL), gs.Attempts, nullString(gs.GatewayPaymentID),
		nullString(string(gs.PaymentID)), formatTime(gs.UpdatedAt),
		gs.ID, gs.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateway_sessions WHERE id = ?`, gs.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if exists == 0 {
		return gateway.ErrSessionNotFound
	}
	return gateway.ErrStaleSession
}

func getSession(ctx context.Context, q querier, id string) (*gateway.Session, error) {
	var (
		gs                                  gateway.Session
		kind, status, amount                string
		flatID, createdAt, updatedAt        string
		provider, currency, redirectURL     sql.NullString
		gatewayPaymentID, paymentID, initBy sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, kind, provider, flat_id, year, month, amount, currency, status, redirect_url,
		       attempts, gateway_payment_id, payment_id, initiated_by, version, created_at, updated_at
		FROM gateway_sessions
		WHERE id = ?
	`, id).Scan(
		&gs.ID, &kind, &provider, &flatID, &gs.Period.Year, &gs.Period.Month, &amount, &currency,
		&status, &redirectURL, &gs.Attempts, &gatewayPaymentID, &paymentID, &initBy,
		&gs.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	gs.Kind = gateway.Kind(kind)
	gs.Provider = provider.String
	gs.FlatID = dues.FlatID(flatID)
	gs.Amount = dues.MustParseMoney(amount)
	gs.Currency = currency.String
	gs.Status = gateway.SessionStatus(status)
	gs.RedirectURL = redirectURL.String
	gs.GatewayPaymentID = gatewayPaymentID.String
	gs.PaymentID = dues.PaymentID(paymentID.String)
	gs.InitiatedBy = initBy.String
	gs.CreatedAt = parseTime(createdAt)
	gs.UpdatedAt = parseTime(updatedAt)
	return &gs, nil
}

// =============================================================================
// TRANSACTIONAL STORE (dues.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store dues.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. The parent's lock is
// already held, so it never takes the mutex.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveFlat(ctx context.Context, f dues.Flat) error {
	return saveFlat(ctx, ts.tx, f)
}

func (ts *txStore) GetFlat(ctx context.Context, id dues.FlatID) (*dues.Flat, error) {
	return getFlat(ctx, ts.tx, id)
}

func (ts *txStore) ListFlats(ctx context.Context) ([]dues.Flat, error) {
	return listFlats(ctx, ts.tx)
}

func (ts *txStore) DeleteFlat(ctx context.Context, id dues.FlatID) error {
	return deleteFlat(ctx, ts.tx, id)
}

func (ts *txStore) SaveBillingPeriod(ctx context.Context, bp dues.BillingPeriod) error {
	return saveBillingPeriod(ctx, ts.tx, bp)
}

func (ts *txStore) GetBillingPeriod(ctx context.Context, p dues.Period) (*dues.BillingPeriod, error) {
	return getBillingPeriod(ctx, ts.tx, p)
}

func (ts *txStore) ListBillingPeriods(ctx context.Context) ([]dues.BillingPeriod, error) {
	return listBillingPeriods(ctx, ts.tx)
}

func (ts *txStore) AppendPeriodAudit(ctx context.Context, a dues.PeriodAudit) error {
	return appendPeriodAudit(ctx, ts.tx, a)
}

func (ts *txStore) ListPeriodAudits(ctx context.Context, p dues.Period) ([]dues.PeriodAudit, error) {
	return listPeriodAudits(ctx, ts.tx, p)
}

func (ts *txStore) InsertPayment(ctx context.Context, p dues.Payment) error {
	return insertPayment(ctx, ts.tx, p)
}

func (ts *txStore) FindPaidPayment(ctx context.Context, flatID dues.FlatID, period dues.Period) (*dues.Payment, error) {
	return findPaidPayment(ctx, ts.tx, flatID, period)
}

func (ts *txStore) ListPayments(ctx context.Context, filter dues.PaymentFilter) ([]dues.Payment, error) {
	return listPayments(ctx, ts.tx, filter)
}

func (ts *txStore) CountPayments(ctx context.Context, period dues.Period) (int, error) {
	return countPayments(ctx, ts.tx, period)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo seeding).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"gateway_sessions", "payments", "billing_period_audit", "billing_periods", "flats"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// SQLite names the columns of a plain unique index in the message and the
// index itself for expression indexes, so both forms are matched.
func isPaidPaymentUniquenessError(err error) bool {
	if !isUniqueConstraintError(err) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "idx_unique_paid_payment") ||
		strings.Contains(msg, "payments.flat_id, payments.year, payments.month")
}

func isReceiptUniquenessError(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "payments.receipt_number")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
