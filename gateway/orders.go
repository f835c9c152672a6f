/*
orders.go - Order/Signature adapter

STATE MACHINE:
  created -> awaiting_callback -> {verified | rejected}

  CreateOrder         computes the amount, opens a gateway order and stores
                      it as awaiting_callback.
  VerifyAndRecord     the client-delivered callback. The signature is
                      HMAC-SHA256(secret, orderId + "|" + paymentId):
                        mismatch -> rejected, ErrSignatureVerificationFailed,
                                    no payment
                        match    -> commit payment, verified
                      A repeat of a verified callback returns the payment
                      already committed (AlreadyRecorded).
  ConfirmFromWebhook  gateway push with an authenticated body; same commit
                      as a matching callback.

  There is no polling and no expiry: an order that is never called back
  stays awaiting_callback.
*/
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/dues"
)

// OrderRequest describes the order to open at the gateway.
type OrderRequest struct {
	Receipt  string
	Amount   dues.Money
	Currency string
	Notes    map[string]string
}

// RemoteOrder is the gateway's answer to an OrderRequest.
type RemoteOrder struct {
	ID       string
	Amount   dues.Money
	Currency string
}

// OrderGateway is an order/signature payment gateway (e.g. Razorpay).
type OrderGateway interface {
	Name() string
	KeyID() string
	Currency() string
	CreateOrder(ctx context.Context, req OrderRequest) (*RemoteOrder, error)

	// VerifyPayment checks a client-delivered payment signature.
	VerifyPayment(orderID, paymentID, signature string) bool
}

// OrderTicket is handed to the client to open the gateway's payment widget.
type OrderTicket struct {
	OrderID    string
	Amount     dues.Money
	Currency   string
	GatewayKey string
	Session    Session
}

// VerifyResult reports a verified order and its payment.
type VerifyResult struct {
	Session         Session
	Payment         *dues.Payment
	AlreadyRecorded bool
}

// Orders drives the order/signature state machine.
type Orders struct {
	Gateway    OrderGateway
	Sessions   SessionStore
	Calculator *dues.Calculator
	Recorder   *dues.Recorder
	Observer   Observer
	Logger     zerolog.Logger
	Now        func() time.Time
}

func NewOrders(gw OrderGateway, sessions SessionStore, calc *dues.Calculator, rec *dues.Recorder, logger zerolog.Logger) *Orders {
	return &Orders{
		Gateway:    gw,
		Sessions:   sessions,
		Calculator: calc,
		Recorder:   rec,
		Observer:   nopObserver{},
		Logger:     logger,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder opens a gateway order for the flat's dues in period.
func (o *Orders) CreateOrder(ctx context.Context, flatID dues.FlatID, period dues.Period) (*OrderTicket, error) {
	if o.Gateway == nil {
		return nil, ErrNotConfigured
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	principal, err := dues.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	flat, err := authorizeFlat(ctx, o.Calculator.Store, flatID)
	if err != nil {
		return nil, err
	}
	due, err := payableQuote(ctx, o.Calculator, o.Recorder, flatID, period)
	if err != nil {
		return nil, err
	}

	remote, err := o.Gateway.CreateOrder(ctx, OrderRequest{
		Receipt:  fmt.Sprintf("%s-%s", period.Compact(), flat.Number),
		Amount:   due.Amount,
		Currency: o.Gateway.Currency(),
		Notes: map[string]string{
			"flat_id":     string(flatID),
			"flat_number": flat.Number,
			"period":      period.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, o.Gateway.Name(), err)
	}

	now := o.Now()
	s := Session{
		ID:          remote.ID,
		Kind:        KindOrder,
		Provider:    o.Gateway.Name(),
		FlatID:      flatID,
		Period:      period,
		Amount:      due.Amount,
		Currency:    remote.Currency,
		Status:      StatusAwaitingCallback,
		InitiatedBy: principal.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.Sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	o.Observer.SessionOpened(s.Provider, s.Kind)
	o.Logger.Info().
		Str("order_id", s.ID).
		Str("flat_id", string(flatID)).
		Str("period", period.String()).
		Str("amount", due.Amount.String()).
		Msg("gateway order created")

	return &OrderTicket{
		OrderID:    s.ID,
		Amount:     s.Amount,
		Currency:   s.Currency,
		GatewayKey: o.Gateway.KeyID(),
		Session:    s,
	}, nil
}

// VerifyAndRecord checks the callback signature and commits the payment.
func (o *Orders) VerifyAndRecord(ctx context.Context, orderID, paymentID, signature string) (*VerifyResult, error) {
	if o.Gateway == nil {
		return nil, ErrNotConfigured
	}
	s, err := o.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeFlat(ctx, o.Calculator.Store, s.FlatID); err != nil {
		return nil, err
	}

	if !o.Gateway.VerifyPayment(orderID, paymentID, signature) {
		return nil, o.reject(ctx, orderID, paymentID)
	}
	return o.settle(ctx, orderID, paymentID)
}

// ConfirmFromWebhook commits a payment the gateway reported for orderID.
// The caller has already authenticated the webhook body, and ctx must carry
// the principal the payment is recorded under.
func (o *Orders) ConfirmFromWebhook(ctx context.Context, orderID, paymentID string) (*VerifyResult, error) {
	if _, err := o.load(ctx, orderID); err != nil {
		return nil, err
	}
	return o.settle(ctx, orderID, paymentID)
}

// Order returns a stored order after checking the caller may see it.
func (o *Orders) Order(ctx context.Context, orderID string) (*Session, error) {
	s, err := o.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeFlat(ctx, o.Calculator.Store, s.FlatID); err != nil {
		return nil, err
	}
	return s, nil
}

func (o *Orders) settle(ctx context.Context, orderID, paymentID string) (*VerifyResult, error) {
	var committed *dues.Payment
	var created, verifiedNow, refusedNow bool

	s, err := transition(ctx, o.Sessions, orderID, func(s *Session) (bool, error) {
		verifiedNow, refusedNow = false, false
		switch s.Status {
		case StatusVerified:
			return false, nil
		case StatusRejected, StatusError:
			return false, closedError(s)
		}

		p, dup, err := commitPayment(ctx, o.Recorder, o.Logger, *s, paymentID)
		if err != nil {
			if !ledgerRefused(err) {
				return false, err
			}
			// A verified payment the ledger will never accept closes the order.
			s.Status = StatusError
			s.GatewayPaymentID = paymentID
			s.UpdatedAt = o.Now()
			refusedNow = true
			return true, err
		}
		// Survives a lost race: this call's row is still the one in the ledger.
		committed, created = p, created || !dup
		s.Status = StatusVerified
		s.GatewayPaymentID = paymentID
		s.PaymentID = p.ID
		s.UpdatedAt = o.Now()
		verifiedNow = true
		return true, nil
	})
	if refusedNow && s != nil {
		o.Observer.SessionClosed(s.Provider, s.Status)
		o.Logger.Error().Err(err).
			Str("order_id", s.ID).
			Str("flat_id", string(s.FlatID)).
			Str("period", s.Period.String()).
			Str("gateway_payment_id", paymentID).
			Msg("ledger refused a verified order")
	}
	if err != nil {
		return nil, err
	}

	if verifiedNow {
		o.Observer.SessionClosed(s.Provider, s.Status)
		o.Logger.Info().
			Str("order_id", s.ID).
			Str("flat_id", string(s.FlatID)).
			Str("period", s.Period.String()).
			Str("gateway_payment_id", paymentID).
			Msg("gateway order verified")
	} else if !created {
		o.Logger.Debug().
			Str("order_id", s.ID).
			Str("gateway_payment_id", paymentID).
			Msg("replayed order callback")
	}

	if committed == nil {
		_, p, err := o.Calculator.PaymentStatus(ctx, s.FlatID, s.Period)
		if err != nil {
			return nil, err
		}
		committed = p
	}
	return &VerifyResult{Session: *s, Payment: committed, AlreadyRecorded: !created}, nil
}

// reject closes an order still awaiting its callback. A bad signature against
// an order already settled changes nothing.
func (o *Orders) reject(ctx context.Context, orderID, paymentID string) error {
	o.Observer.SignatureFailed(o.Gateway.Name())
	o.Logger.Warn().
		Str("event", "possible_tamper").
		Str("order_id", orderID).
		Str("gateway_payment_id", paymentID).
		Msg("order signature mismatch")

	var rejectedNow bool
	s, err := transition(ctx, o.Sessions, orderID, func(s *Session) (bool, error) {
		rejectedNow = false
		if s.Status.Terminal() {
			return false, nil
		}
		s.Status = StatusRejected
		s.UpdatedAt = o.Now()
		rejectedNow = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if rejectedNow {
		o.Observer.SessionClosed(s.Provider, s.Status)
	}
	return fmt.Errorf("%w: order %s", ErrSignatureVerificationFailed, orderID)
}

func (o *Orders) load(ctx context.Context, orderID string) (*Session, error) {
	s, err := o.Sessions.GetSession(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, orderID)
	}
	if s.Kind != KindOrder {
		return nil, ErrWrongFlow
	}
	return s, nil
}
