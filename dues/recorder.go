/*
recorder.go - Payment Recorder

PURPOSE:
  The only component allowed to create Payment rows. Accepts a payment intent
  and commits it under the central invariant:

    at most one paid Payment per (FlatID, Period)

ALGORITHM:
  Inside one TxStore.WithTx call (serialized against every other writer):
    1. flat must exist                      -> ErrInvalidFlat
    2. period must be configured (policy)   -> ErrPeriodNotConfigured
    3. no paid payment for (flat, period)   -> DuplicatePaymentError{Existing}
    4. insert with a fresh receipt number and PaidAt = now
  The store's own uniqueness constraint backs up step 3: if it fires, the
  result is still a DuplicatePaymentError and nothing is written.

AUTHORIZATION:
  - cash / check / bank_transfer: admins only
  - gateway: admins, the system principal, or the resident who owns the flat

CALLERS:
  - api: manual entry. DuplicatePayment is shown as "already paid".
  - gateway adapters: DuplicatePayment is an idempotent success.

SEE ALSO:
  - store.go: TxStore contract
  - gateway/checkout.go, gateway/orders.go: duplicate-tolerant callers
*/
package dues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxReceiptAttempts = 3

// PaymentIntent is a request to commit a payment.
type PaymentIntent struct {
	FlatID FlatID
	Period Period
	Amount Money
	Method Method

	Provider   string
	GatewayRef string
}

// Observer receives ledger events, typically a metrics collector.
type Observer interface {
	PaymentRecorded(p Payment)
	DuplicatePayment(method Method)
}

type nopObserver struct{}

func (nopObserver) PaymentRecorded(Payment) {}
func (nopObserver) DuplicatePayment(Method) {}

// Recorder commits payments.
type Recorder struct {
	Store    TxStore
	Receipts ReceiptGenerator
	Observer Observer
	Logger   zerolog.Logger
	Now      func() time.Time

	// RequireConfiguredPeriod rejects payments for periods with no BillingPeriod.
	RequireConfiguredPeriod bool
}

// NewRecorder creates a recorder that requires configured periods.
func NewRecorder(store TxStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		Store:                   store,
		Receipts:                RandomReceipts{},
		Observer:                nopObserver{},
		Logger:                  logger,
		Now:                     func() time.Time { return time.Now().UTC() },
		RequireConfiguredPeriod: true,
	}
}

// Record commits exactly one Payment or none.
func (r *Recorder) Record(ctx context.Context, in PaymentIntent) (*Payment, error) {
	principal, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateIntent(in); err != nil {
		return nil, err
	}
	if in.Method != MethodGateway && !principal.IsAdmin() {
		return nil, ErrForbidden
	}

	var committed Payment
	err = r.Store.WithTx(ctx, func(s Store) error {
		flat, err := s.GetFlat(ctx, in.FlatID)
		if err != nil {
			return err
		}
		if flat == nil {
			return fmt.Errorf("%w: %s", ErrInvalidFlat, in.FlatID)
		}
		if !principal.CanAccessFlat(*flat) {
			return ErrForbidden
		}

		if r.RequireConfiguredPeriod {
			bp, err := s.GetBillingPeriod(ctx, in.Period)
			if err != nil {
				return err
			}
			if bp == nil {
				return fmt.Errorf("%w: %s", ErrPeriodNotConfigured, in.Period)
			}
		}

		existing, err := s.FindPaidPayment(ctx, in.FlatID, in.Period)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DuplicatePaymentError{FlatID: in.FlatID, Period: in.Period, Existing: existing}
		}

		p := Payment{
			ID:         PaymentID(uuid.NewString()),
			FlatID:     in.FlatID,
			FlatNumber: flat.Number,
			Period:     in.Period,
			Amount:     in.Amount,
			Method:     in.Method,
			Status:     StatusPaid,
			PaidAt:     r.Now(),
			Provider:   in.Provider,
			GatewayRef: in.GatewayRef,
			RecordedBy: principal.ID,
		}
		for attempt := 1; ; attempt++ {
			p.ReceiptNumber = r.Receipts.Next(in.Period)
			err = s.InsertPayment(ctx, p)
			if errors.Is(err, ErrDuplicateReceipt) && attempt < maxReceiptAttempts {
				continue
			}
			break
		}
		if errors.Is(err, ErrDuplicatePayment) {
			existing, _ := s.FindPaidPayment(ctx, in.FlatID, in.Period)
			return &DuplicatePaymentError{FlatID: in.FlatID, Period: in.Period, Existing: existing}
		}
		if err != nil {
			return err
		}
		committed = p
		return nil
	})

	if errors.Is(err, ErrDuplicatePayment) {
		r.Observer.DuplicatePayment(in.Method)
		r.Logger.Info().
			Str("flat_id", string(in.FlatID)).
			Str("period", in.Period.String()).
			Str("method", string(in.Method)).
			Msg("duplicate payment rejected")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.Observer.PaymentRecorded(committed)
	r.Logger.Info().
		Str("flat_id", string(committed.FlatID)).
		Str("period", committed.Period.String()).
		Str("amount", committed.Amount.String()).
		Str("method", string(committed.Method)).
		Str("receipt", committed.ReceiptNumber).
		Msg("payment recorded")
	return &committed, nil
}

func validateIntent(in PaymentIntent) error {
	if in.FlatID == "" {
		return fmt.Errorf("%w: flat id is required", ErrInvalidFlat)
	}
	if err := in.Period.Validate(); err != nil {
		return err
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, in.Amount)
	}
	if !in.Method.Valid() {
		return &InvalidInputError{Field: "method", Reason: fmt.Sprintf("unknown method %q", in.Method)}
	}
	return nil
}
