/*
Package dues provides the maintenance dues and payment reconciliation core.

PURPOSE:
  Everything that decides how much a flat owes for a billing period and
  whether that period is settled lives here. The gateway adapters, the HTTP
  layer and the stores all speak these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money:         decimal amount (never float64)
  - Period:        a (month, year) billing key
  - Flat:          a unit with an optional custom charge
  - BillingPeriod: base charge + informational breakdown for a Period
  - Payment:       an immutable, paid ledger row with a receipt number

CENTRAL INVARIANT:
  For a given (FlatID, Period) at most one Payment with StatusPaid exists.
  The Recorder is the only component that creates Payment rows.

SEE ALSO:
  - recorder.go: the transactional check-and-insert
  - calculator.go: amount due and paid/pending folds
  - store.go: persistence interfaces
*/
package dues

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a decimal amount in the association's single currency.
type Money = decimal.Decimal

// MustParseMoney parses s, returning zero on malformed input.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// NewMoney builds Money from a whole number of currency units.
func NewMoney(units int64) Money {
	return decimal.NewFromInt(units)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type FlatID string
type PaymentID string

// =============================================================================
// PERIOD
// =============================================================================

// Period identifies a billing month.
type Period struct {
	Month int
	Year  int
}

// NewPeriod returns a validated Period.
func NewPeriod(month, year int) (Period, error) {
	p := Period{Month: month, Year: year}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// PeriodOf returns the Period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Month: int(t.Month()), Year: t.Year()}
}

func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return &InvalidInputError{Field: "month", Reason: fmt.Sprintf("must be 1..12, got %d", p.Month)}
	}
	if p.Year < 1 {
		return &InvalidInputError{Field: "year", Reason: fmt.Sprintf("must be positive, got %d", p.Year)}
	}
	return nil
}

// String renders the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Compact renders the period as YYYYMM, used in receipt numbers.
func (p Period) Compact() string {
	return fmt.Sprintf("%04d%02d", p.Year, p.Month)
}

// =============================================================================
// FLAT
// =============================================================================

// Flat is a unit in the association.
type Flat struct {
	ID           FlatID
	Number       string // unique unit number, e.g. "A-101"
	OwnerName    string
	OwnerEmail   string
	OwnerPhone   string
	Size         string // free-form size descriptor, e.g. "2BHK"
	CustomCharge *Money // overrides the period base charge when set
	CreatedAt    time.Time
}

// HasCustomCharge reports whether the flat overrides the base charge.
func (f Flat) HasCustomCharge() bool {
	return f.CustomCharge != nil
}

// =============================================================================
// BILLING PERIOD
// =============================================================================

// Breakdown maps an open set of cost categories to non-negative amounts.
// It is informational: it need not sum to the base charge and never enters
// amount-due arithmetic.
type Breakdown map[string]Money

// Total sums all categories.
func (b Breakdown) Total() Money {
	total := decimal.Zero
	for _, v := range b {
		total = total.Add(v)
	}
	return total
}

// BillingPeriod is the configured charge for one Period.
type BillingPeriod struct {
	Period     Period
	BaseCharge Money
	Breakdown  Breakdown
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PeriodAudit records an overwrite of an existing BillingPeriod.
type PeriodAudit struct {
	ID               string
	Period           Period
	OldBaseCharge    Money
	NewBaseCharge    Money
	ActorID          string
	PaymentsAtChange int
	ChangedAt        time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

// Method is how a payment was made.
type Method string

const (
	MethodCash         Method = "cash"
	MethodCheck        Method = "check"
	MethodBankTransfer Method = "bank_transfer"
	MethodGateway      Method = "gateway"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodBankTransfer, MethodGateway:
		return true
	}
	return false
}

// Status is the ledger status of a payment. Failed attempts never produce
// a Payment row, so paid is the only persisted status.
type Status string

const (
	StatusPaid    Status = "paid"
	StatusPending Status = "pending" // derived only, never stored
)

// Payment is a committed ledger entry.
type Payment struct {
	ID            PaymentID
	FlatID        FlatID
	FlatNumber    string
	Period        Period
	Amount        Money
	Method        Method
	Status        Status
	ReceiptNumber string
	PaidAt        time.Time

	// Gateway provenance, empty for manual payments.
	Provider   string // "stripe", "razorpay"
	GatewayRef string // session or order id

	RecordedBy string // principal id
}

// PaymentFilter narrows ListPayments. Zero values mean "any".
type PaymentFilter struct {
	FlatID FlatID
	Period *Period
	Limit  int
}
