package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
)

const maxStaleRetries = 5

// Observer receives gateway lifecycle events.
type Observer interface {
	SessionOpened(provider string, kind Kind)
	SessionClosed(provider string, status SessionStatus)
	SignatureFailed(provider string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string, Kind)          {}
func (nopObserver) SessionClosed(string, SessionStatus) {}
func (nopObserver) SignatureFailed(string)              {}

// transition applies fn to the latest stored copy of a session and writes the
// result when fn asks for it. A lost optimistic race re-reads and re-applies.
// fn's error is returned after the write, so a failed step can still record
// progress (a consumed poll attempt, a rejection).
func transition(ctx context.Context, store SessionStore, id string, fn func(s *Session) (write bool, err error)) (*Session, error) {
	for attempt := 1; ; attempt++ {
		s, err := store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}

		write, ferr := fn(s)
		if !write {
			return s, ferr
		}
		err = store.UpdateSession(ctx, *s)
		switch {
		case err == nil:
			s.Version++
			return s, ferr
		case errors.Is(err, ErrStaleSession) && attempt < maxStaleRetries:
			continue
		default:
			return nil, err
		}
	}
}

// commitPayment hands a confirmed gateway payment to the recorder. A
// DuplicatePayment result means another path already committed the same
// (flat, period); the existing payment is returned as success.
func commitPayment(ctx context.Context, rec *dues.Recorder, logger zerolog.Logger, s Session, gatewayRef string) (p *dues.Payment, duplicate bool, err error) {
	p, err = rec.Record(ctx, dues.PaymentIntent{
		FlatID:     s.FlatID,
		Period:     s.Period,
		Amount:     s.Amount,
		Method:     dues.MethodGateway,
		Provider:   s.Provider,
		GatewayRef: gatewayRef,
	})
	var dup *dues.DuplicatePaymentError
	if errors.As(err, &dup) && dup.Existing != nil {
		logger.Info().
			Str("session_id", s.ID).
			Str("flat_id", string(s.FlatID)).
			Str("period", s.Period.String()).
			Str("receipt", dup.Existing.ReceiptNumber).
			Msg("gateway confirmation matched an existing payment")
		return dup.Existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// ledgerRefused reports a commit failure that retrying cannot fix.
func ledgerRefused(err error) bool {
	return dues.IsClientError(err) || errors.Is(err, dues.ErrForbidden)
}

// authorizeFlat loads the flat and checks the caller may pay for it.
func authorizeFlat(ctx context.Context, flats dues.FlatStore, id dues.FlatID) (*dues.Flat, error) {
	principal, err := dues.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	f, err := flats.GetFlat(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", dues.ErrInvalidFlat, id)
	}
	if !principal.CanAccessFlat(*f) {
		return nil, dues.ErrForbidden
	}
	return f, nil
}

// payableQuote resolves the amount a new gateway session should charge. It
// applies the recorder's period policy up front: a session the ledger would
// refuse to settle is never opened.
func payableQuote(ctx context.Context, calc *dues.Calculator, rec *dues.Recorder, flatID dues.FlatID, period dues.Period) (*dues.Due, error) {
	due, _, err := calc.Quote(ctx, flatID, period)
	if err != nil {
		return nil, err
	}
	if !due.Configured {
		return nil, fmt.Errorf("%w: %s", dues.ErrPeriodNotConfigured, period)
	}
	if rec != nil && rec.RequireConfiguredPeriod {
		bp, err := calc.Store.GetBillingPeriod(ctx, period)
		if err != nil {
			return nil, err
		}
		if bp == nil {
			return nil, fmt.Errorf("%w: %s", dues.ErrPeriodNotConfigured, period)
		}
	}
	if due.Paid() {
		return nil, &dues.DuplicatePaymentError{FlatID: flatID, Period: period, Existing: due.Payment}
	}
	if !due.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: nothing due for %s", dues.ErrInvalidAmount, period)
	}
	return due, nil
}

var hundred = decimal.NewFromInt(100)

// MinorUnits converts an amount to the gateway's integer minor unit (cents, paise).
func MinorUnits(m dues.Money) int64 {
	return m.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(n int64) dues.Money {
	return decimal.New(n, -2)
}
