/*
store.go - Persistence interfaces for flats, billing periods and payments

PURPOSE:
  Defines the boundary between the dues core and the database. The core never
  issues SQL; it calls these interfaces. SQLite and in-memory implementations
  exist and are exercised by the same tests.

KEY INTERFACES:
  FlatStore:    Flat Ledger persistence
  PeriodStore:  Billing Period Registry persistence (+ overwrite audit)
  PaymentStore: Payment ledger (insert-only, no update, no delete)
  Store:        all of the above plus WithTx

PAYMENT LEDGER CONTRACT:
  - InsertPayment is the ONLY write to payments.
  - Implementations MUST reject a second paid payment for the same
    (flat, period) with ErrDuplicatePayment, independently of any
    pre-insert lookup. SQLite does this with a partial unique index.
  - Receipt numbers are unique; a collision returns ErrDuplicateReceipt.

LOOKUP CONVENTION:
  Get* methods return (nil, nil) when the row does not exist.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - dues/store/memory.go:   in-memory for tests and dev

SEE ALSO:
  - recorder.go: uses WithTx for the check-and-insert
*/
package dues

import "context"

// FlatStore persists flats.
type FlatStore interface {
	// SaveFlat inserts or updates a flat. Returns ErrDuplicateFlatNumber
	// when another flat already uses the number.
	SaveFlat(ctx context.Context, f Flat) error
	GetFlat(ctx context.Context, id FlatID) (*Flat, error)
	ListFlats(ctx context.Context) ([]Flat, error)
	// DeleteFlat removes a flat. Returns ErrFlatHasPayments when payments
	// reference it.
	DeleteFlat(ctx context.Context, id FlatID) error
}

// PeriodStore persists billing periods.
type PeriodStore interface {
	// SaveBillingPeriod inserts or replaces the period for bp.Period.
	SaveBillingPeriod(ctx context.Context, bp BillingPeriod) error
	GetBillingPeriod(ctx context.Context, p Period) (*BillingPeriod, error)
	// ListBillingPeriods returns periods newest first.
	ListBillingPeriods(ctx context.Context) ([]BillingPeriod, error)
	AppendPeriodAudit(ctx context.Context, a PeriodAudit) error
	ListPeriodAudits(ctx context.Context, p Period) ([]PeriodAudit, error)
}

// PaymentStore persists payments. Insert-only.
type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error
	// FindPaidPayment returns the paid payment for (flat, period) if any.
	FindPaidPayment(ctx context.Context, flatID FlatID, period Period) (*Payment, error)
	// ListPayments returns payments newest first.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	CountPayments(ctx context.Context, period Period) (int, error)
}

// Store is the full persistence surface of the dues core.
type Store interface {
	FlatStore
	PeriodStore
	PaymentStore
}

// TxStore adds atomic multi-step operations.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction that is serialized against
	// every other WithTx call on the same store.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
