/*
registry.go - Billing Period Registry

PURPOSE:
  Owns BillingPeriod rows: one base charge (and an informational breakdown)
  per (month, year).

OVERWRITE POLICY:
  Configuring a period that already exists is an explicit policy choice:
  - OverwriteReject (default): ErrPeriodExists, nothing changes.
  - OverwriteAudit: the period is replaced and a PeriodAudit row records the
    old and new base charge, the actor and how many payments were already
    recorded against the period. Paid flats stay settled; unpaid flats see
    the new amount due.

VALIDATION:
  base charge >= 0, every breakdown amount >= 0, category labels non-empty.
  Unknown categories are passed through untouched.
*/
package dues

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OverwritePolicy decides what happens when a configured period is resubmitted.
type OverwritePolicy string

const (
	OverwriteReject OverwritePolicy = "reject"
	OverwriteAudit  OverwritePolicy = "audit"
)

// Registry is the Billing Period Registry.
type Registry struct {
	Store  TxStore
	Policy OverwritePolicy
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewRegistry creates a registry with the reject policy.
func NewRegistry(store TxStore, logger zerolog.Logger) *Registry {
	return &Registry{
		Store:  store,
		Policy: OverwriteReject,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Configure creates or (under OverwriteAudit) replaces a billing period.
func (r *Registry) Configure(ctx context.Context, bp BillingPeriod) (*BillingPeriod, error) {
	actor, err := RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateBillingPeriod(bp); err != nil {
		return nil, err
	}

	now := r.Now()
	var saved BillingPeriod
	err = r.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetBillingPeriod(ctx, bp.Period)
		if err != nil {
			return err
		}

		saved = bp
		saved.CreatedAt = now
		saved.UpdatedAt = now

		if existing != nil {
			if r.Policy != OverwriteAudit {
				return fmt.Errorf("%w: %s", ErrPeriodExists, bp.Period)
			}
			paid, err := s.CountPayments(ctx, bp.Period)
			if err != nil {
				return err
			}
			saved.CreatedAt = existing.CreatedAt
			audit := PeriodAudit{
				ID:               uuid.NewString(),
				Period:           bp.Period,
				OldBaseCharge:    existing.BaseCharge,
				NewBaseCharge:    bp.BaseCharge,
				ActorID:          actor.ID,
				PaymentsAtChange: paid,
				ChangedAt:        now,
			}
			if err := s.AppendPeriodAudit(ctx, audit); err != nil {
				return err
			}
		}
		return s.SaveBillingPeriod(ctx, saved)
	})
	if err != nil {
		return nil, err
	}

	r.Logger.Info().
		Str("period", bp.Period.String()).
		Str("base_charge", bp.BaseCharge.String()).
		Str("actor", actor.ID).
		Msg("billing period configured")
	return &saved, nil
}

// Get returns the period or ErrPeriodNotConfigured.
func (r *Registry) Get(ctx context.Context, p Period) (*BillingPeriod, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	bp, err := r.Store.GetBillingPeriod(ctx, p)
	if err != nil {
		return nil, err
	}
	if bp == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeriodNotConfigured, p)
	}
	return bp, nil
}

// List returns every configured period, newest first.
func (r *Registry) List(ctx context.Context) ([]BillingPeriod, error) {
	return r.Store.ListBillingPeriods(ctx)
}

// History returns the overwrite audit trail for a period.
func (r *Registry) History(ctx context.Context, p Period) ([]PeriodAudit, error) {
	if _, err := RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return r.Store.ListPeriodAudits(ctx, p)
}

func validateBillingPeriod(bp BillingPeriod) error {
	if err := bp.Period.Validate(); err != nil {
		return err
	}
	if bp.BaseCharge.IsNegative() {
		return &InvalidInputError{Field: "base_charge", Reason: "must not be negative"}
	}
	for label, amount := range bp.Breakdown {
		if strings.TrimSpace(label) == "" {
			return &InvalidInputError{Field: "breakdown", Reason: "category label must not be empty"}
		}
		if amount.IsNegative() {
			return &InvalidInputError{Field: "breakdown", Reason: fmt.Sprintf("%q must not be negative", label)}
		}
	}
	return nil
}
