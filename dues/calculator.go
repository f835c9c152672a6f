/*
calculator.go - Dues Calculator

PURPOSE:
  Derives, for any (flat, period), the amount owed and whether it is paid.
  Aggregates (total due, total collected, pending count) are a pure fold over
  the same two answers for every flat. Nothing is cached: every read
  recomputes from flats + billing period + payments, O(number of flats).

RESOLUTION ORDER (amount due):
  1. flat.CustomCharge when set
  2. billingPeriod.BaseCharge when the period is configured
  3. otherwise "not configured" (Due.Configured == false), which is NOT the
     same as a configured zero charge

STATUS:
  paid iff a paid Payment exists for (flat, period); pending otherwise.

CONSISTENCY:
  Reads do not take the recorder's write lock. A payment committed a moment
  ago may be missing from a concurrent read; the next read sees it.

SEE ALSO:
  - recorder.go: produces the payments folded here
*/
package dues

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ChargeSource says where an amount due came from.
type ChargeSource string

const (
	SourceCustom ChargeSource = "custom"
	SourceBase   ChargeSource = "base"
	SourceNone   ChargeSource = "none"
)

// Due is the computed position of one flat for one period.
type Due struct {
	FlatID     FlatID
	FlatNumber string
	Period     Period
	Amount     Money
	Source     ChargeSource
	Configured bool // false when neither a custom charge nor the period exists
	Status     Status
	Payment    *Payment
}

func (d Due) Paid() bool { return d.Status == StatusPaid }

// Summary aggregates every flat's Due for a period.
type Summary struct {
	Period           Period
	PeriodConfigured bool
	Flats            int
	PaidCount        int
	PendingCount     int
	TotalDue         Money
	TotalCollected   Money
	PendingAmount    Money
	RecentPayments   []Payment
}

// Statement is a single flat's view of a period.
type Statement struct {
	Flat      Flat
	Due       Due
	Breakdown Breakdown
	History   []Payment
}

// =============================================================================
// PURE FUNCTIONS
// =============================================================================

// AmountDue resolves the charge for f under bp (which may be nil).
func AmountDue(f Flat, bp *BillingPeriod) (Money, ChargeSource) {
	if f.CustomCharge != nil {
		return *f.CustomCharge, SourceCustom
	}
	if bp != nil {
		return bp.BaseCharge, SourceBase
	}
	return decimal.Zero, SourceNone
}

// Fold computes every flat's Due and the Summary for one period.
// payments may contain rows for other periods; they are ignored.
func Fold(period Period, flats []Flat, bp *BillingPeriod, payments []Payment) ([]Due, Summary) {
	paid := make(map[FlatID]Payment, len(payments))
	for _, p := range payments {
		if p.Period == period && p.Status == StatusPaid {
			paid[p.FlatID] = p
		}
	}

	summary := Summary{
		Period:           period,
		PeriodConfigured: bp != nil,
		Flats:            len(flats),
		TotalDue:         decimal.Zero,
		TotalCollected:   decimal.Zero,
		PendingAmount:    decimal.Zero,
	}
	dues := make([]Due, 0, len(flats))
	for _, f := range flats {
		amount, source := AmountDue(f, bp)
		d := Due{
			FlatID:     f.ID,
			FlatNumber: f.Number,
			Period:     period,
			Amount:     amount,
			Source:     source,
			Configured: source != SourceNone,
			Status:     StatusPending,
		}
		if p, ok := paid[f.ID]; ok {
			p := p
			d.Status = StatusPaid
			d.Payment = &p
			summary.PaidCount++
			summary.TotalCollected = summary.TotalCollected.Add(p.Amount)
		} else {
			summary.PendingCount++
			summary.PendingAmount = summary.PendingAmount.Add(amount)
		}
		summary.TotalDue = summary.TotalDue.Add(amount)
		dues = append(dues, d)
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].FlatNumber < dues[j].FlatNumber })
	return dues, summary
}

// =============================================================================
// CALCULATOR - Store-backed reads
// =============================================================================

// Calculator answers dues questions from a Store.
type Calculator struct {
	Store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{Store: store}
}

// Quote resolves the amount due for one flat without checking authorization.
// Used by the gateway adapters after they have authorized the caller.
func (c *Calculator) Quote(ctx context.Context, flatID FlatID, period Period) (*Due, *Flat, error) {
	if err := period.Validate(); err != nil {
		return nil, nil, err
	}
	f, err := c.Store.GetFlat(ctx, flatID)
	if err != nil {
		return nil, nil, err
	}
	if f == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidFlat, flatID)
	}
	bp, err := c.Store.GetBillingPeriod(ctx, period)
	if err != nil {
		return nil, nil, err
	}
	existing, err := c.Store.FindPaidPayment(ctx, flatID, period)
	if err != nil {
		return nil, nil, err
	}

	var payments []Payment
	if existing != nil {
		payments = append(payments, *existing)
	}
	dues, _ := Fold(period, []Flat{*f}, bp, payments)
	return &dues[0], f, nil
}

// AmountDue returns the amount owed by a flat for a period.
// Returns ErrPeriodNotConfigured when no charge can be resolved.
func (c *Calculator) AmountDue(ctx context.Context, flatID FlatID, period Period) (Money, error) {
	d, _, err := c.Quote(ctx, flatID, period)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.Configured {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPeriodNotConfigured, period)
	}
	return d.Amount, nil
}

// PaymentStatus returns paid or pending for a flat and period.
func (c *Calculator) PaymentStatus(ctx context.Context, flatID FlatID, period Period) (Status, *Payment, error) {
	if err := period.Validate(); err != nil {
		return "", nil, err
	}
	p, err := c.Store.FindPaidPayment(ctx, flatID, period)
	if err != nil {
		return "", nil, err
	}
	if p == nil {
		return StatusPending, nil, nil
	}
	return StatusPaid, p, nil
}

// Dues lists every flat visible to the caller with its position for period.
func (c *Calculator) Dues(ctx context.Context, period Period) ([]Due, error) {
	principal, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	dues, _, err := c.fold(ctx, period)
	if err != nil {
		return nil, err
	}
	if principal.IsAdmin() || principal.IsSystem() {
		return dues, nil
	}
	visible := make([]Due, 0, 1)
	for _, d := range dues {
		if d.FlatNumber == principal.FlatNumber {
			visible = append(visible, d)
		}
	}
	return visible, nil
}

// Summary aggregates the period across all flats. Admin only.
func (c *Calculator) Summary(ctx context.Context, period Period) (*Summary, error) {
	if _, err := RequireAdmin(ctx); err != nil {
		return nil, err
	}
	_, summary, err := c.fold(ctx, period)
	if err != nil {
		return nil, err
	}
	recent, err := c.Store.ListPayments(ctx, PaymentFilter{Limit: 5})
	if err != nil {
		return nil, err
	}
	summary.RecentPayments = recent
	return &summary, nil
}

// Statement is the resident dashboard for one flat.
func (c *Calculator) Statement(ctx context.Context, flatID FlatID, period Period) (*Statement, error) {
	principal, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	d, f, err := c.Quote(ctx, flatID, period)
	if err != nil {
		return nil, err
	}
	if !principal.CanAccessFlat(*f) {
		return nil, ErrForbidden
	}
	bp, err := c.Store.GetBillingPeriod(ctx, period)
	if err != nil {
		return nil, err
	}
	history, err := c.Store.ListPayments(ctx, PaymentFilter{FlatID: flatID, Limit: 10})
	if err != nil {
		return nil, err
	}
	st := &Statement{Flat: *f, Due: *d, Breakdown: Breakdown{}, History: history}
	if bp != nil && bp.Breakdown != nil {
		st.Breakdown = bp.Breakdown
	}
	return st, nil
}

// Payments lists ledger rows newest first. Residents only ever see their
// own flat, whatever the filter asks for.
func (c *Calculator) Payments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	principal, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Period != nil {
		if err := filter.Period.Validate(); err != nil {
			return nil, err
		}
	}
	if principal.IsAdmin() || principal.IsSystem() {
		return c.Store.ListPayments(ctx, filter)
	}

	own, err := c.ownFlat(ctx, principal)
	if err != nil {
		return nil, err
	}
	if own == nil {
		return []Payment{}, nil
	}
	if filter.FlatID != "" && filter.FlatID != own.ID {
		return nil, ErrForbidden
	}
	filter.FlatID = own.ID
	return c.Store.ListPayments(ctx, filter)
}

func (c *Calculator) ownFlat(ctx context.Context, principal Principal) (*Flat, error) {
	flats, err := c.Store.ListFlats(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range flats {
		if principal.CanAccessFlat(f) {
			return &f, nil
		}
	}
	return nil, nil
}

func (c *Calculator) fold(ctx context.Context, period Period) ([]Due, Summary, error) {
	if err := period.Validate(); err != nil {
		return nil, Summary{}, err
	}
	flats, err := c.Store.ListFlats(ctx)
	if err != nil {
		return nil, Summary{}, err
	}
	bp, err := c.Store.GetBillingPeriod(ctx, period)
	if err != nil {
		return nil, Summary{}, err
	}
	payments, err := c.Store.ListPayments(ctx, PaymentFilter{Period: &period})
	if err != nil {
		return nil, Summary{}, err
	}
	dues, summary := Fold(period, flats, bp, payments)
	return dues, summary, nil
}
