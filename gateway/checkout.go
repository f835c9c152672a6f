/*
checkout.go - Redirect/Session adapter

STATE MACHINE:
  created -> pending -> {paid | expired | error}

  InitiateCheckout  computes the amount, opens a hosted session at the
                    gateway and stores it as pending.
  PollStatus        one bounded, non-blocking status check per call:
                      gateway paid     -> commit payment, paid
                      gateway expired  -> expired
                      otherwise        -> attempt consumed; error once the
                                          budget (MaxAttempts) is spent
  ConfirmFromWebhook  gateway push; same paid transition, no attempt used.

  The server never sleeps or schedules retries. PollInterval is only handed
  back to the caller as the suggested delay before the next poll.

SEE ALSO:
  - reconcile.go: transition and commitPayment shared with orders.go
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/warp/dues-engine/dues"
)

const (
	DefaultMaxAttempts  = 5
	DefaultPollInterval = 2 * time.Second
)

// RemoteState is a gateway's own view of a checkout session.
type RemoteState string

const (
	RemoteOpen    RemoteState = "open"
	RemotePaid    RemoteState = "paid"
	RemoteExpired RemoteState = "expired"
)

// CheckoutRequest describes the hosted payment page to open.
type CheckoutRequest struct {
	FlatID     dues.FlatID
	FlatNumber string
	Period     dues.Period
	Amount     dues.Money
	Currency   string
	ReturnURL  string
}

// HostedSession is the gateway's answer to a CheckoutRequest.
type HostedSession struct {
	ID  string
	URL string
}

// RemoteCheckout is one status check result.
type RemoteCheckout struct {
	State      RemoteState
	PaymentRef string // gateway payment id once paid
}

// CheckoutGateway is a redirect/session payment gateway (e.g. Stripe Checkout).
type CheckoutGateway interface {
	Name() string
	Currency() string
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*HostedSession, error)
	CheckoutStatus(ctx context.Context, sessionID string) (*RemoteCheckout, error)
}

// CheckoutResult is what a poll reports to the caller.
type CheckoutResult struct {
	Session    Session
	Payment    *dues.Payment
	RetryAfter time.Duration // zero once the session is terminal
}

// Checkout drives the redirect/session state machine.
type Checkout struct {
	Gateway    CheckoutGateway
	Sessions   SessionStore
	Calculator *dues.Calculator
	Recorder   *dues.Recorder
	Observer   Observer
	Logger     zerolog.Logger
	Now        func() time.Time

	MaxAttempts  int
	PollInterval time.Duration

	polls singleflight.Group
}

func NewCheckout(gw CheckoutGateway, sessions SessionStore, calc *dues.Calculator, rec *dues.Recorder, logger zerolog.Logger) *Checkout {
	return &Checkout{
		Gateway:      gw,
		Sessions:     sessions,
		Calculator:   calc,
		Recorder:     rec,
		Observer:     nopObserver{},
		Logger:       logger,
		Now:          func() time.Time { return time.Now().UTC() },
		MaxAttempts:  DefaultMaxAttempts,
		PollInterval: DefaultPollInterval,
	}
}

// InitiateCheckout opens a hosted checkout for the flat's dues in period.
func (c *Checkout) InitiateCheckout(ctx context.Context, flatID dues.FlatID, period dues.Period, returnURL string) (*Session, error) {
	if c.Gateway == nil {
		return nil, ErrNotConfigured
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	principal, err := dues.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	flat, err := authorizeFlat(ctx, c.Calculator.Store, flatID)
	if err != nil {
		return nil, err
	}
	due, err := payableQuote(ctx, c.Calculator, c.Recorder, flatID, period)
	if err != nil {
		return nil, err
	}

	hosted, err := c.Gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		FlatID:     flatID,
		FlatNumber: flat.Number,
		Period:     period,
		Amount:     due.Amount,
		Currency:   c.Gateway.Currency(),
		ReturnURL:  returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, c.Gateway.Name(), err)
	}

	now := c.Now()
	s := Session{
		ID:          hosted.ID,
		Kind:        KindCheckout,
		Provider:    c.Gateway.Name(),
		FlatID:      flatID,
		Period:      period,
		Amount:      due.Amount,
		Currency:    c.Gateway.Currency(),
		Status:      StatusPending,
		RedirectURL: hosted.URL,
		InitiatedBy: principal.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	c.Observer.SessionOpened(s.Provider, s.Kind)
	c.Logger.Info().
		Str("session_id", s.ID).
		Str("flat_id", string(flatID)).
		Str("period", period.String()).
		Str("amount", due.Amount.String()).
		Msg("checkout session opened")
	return &s, nil
}

// PollStatus performs one status check. Concurrent polls of the same session
// share a single gateway round trip.
//
// A terminal failure (expired, error) is returned together with a
// *SessionClosedError. A transport failure consumes an attempt and returns
// ErrGatewayUnavailable so the caller may poll again. A paid checkout the
// ledger refuses also consumes an attempt; a permanent refusal closes the
// session in error.
func (c *Checkout) PollStatus(ctx context.Context, sessionID string) (*CheckoutResult, error) {
	if c.Gateway == nil {
		return nil, ErrNotConfigured
	}
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeFlat(ctx, c.Calculator.Store, s.FlatID); err != nil {
		return nil, err
	}

	type outcome struct {
		res *CheckoutResult
		err error
	}
	// The first caller's principal commits the payment; cancellation of that
	// one caller must not abandon a commit the others are waiting on.
	shared := context.WithoutCancel(ctx)
	v, _, _ := c.polls.Do(sessionID, func() (interface{}, error) {
		res, err := c.poll(shared, sessionID)
		return outcome{res: res, err: err}, nil
	})
	o := v.(outcome)
	return o.res, o.err
}

func (c *Checkout) poll(ctx context.Context, sessionID string) (*CheckoutResult, error) {
	var committed *dues.Payment
	var closedNow bool

	s, err := transition(ctx, c.Sessions, sessionID, func(s *Session) (bool, error) {
		closedNow = false
		if s.Status.Terminal() {
			return false, nil
		}

		remote, gerr := c.Gateway.CheckoutStatus(ctx, s.ID)
		s.Attempts++
		s.UpdatedAt = c.Now()

		var stepErr error
		switch {
		case gerr != nil:
			c.Logger.Warn().Err(gerr).
				Str("session_id", s.ID).
				Int("attempt", s.Attempts).
				Msg("checkout status check failed")
			stepErr = fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, s.Provider, gerr)
		case remote.State == RemotePaid:
			p, _, err := commitPayment(ctx, c.Recorder, c.Logger, *s, remote.PaymentRef)
			if err != nil {
				c.Logger.Error().Err(err).
					Str("session_id", s.ID).
					Str("flat_id", string(s.FlatID)).
					Str("period", s.Period.String()).
					Str("gateway_payment_id", remote.PaymentRef).
					Int("attempt", s.Attempts).
					Msg("ledger refused a paid checkout")
				s.GatewayPaymentID = remote.PaymentRef
				if ledgerRefused(err) {
					s.Status = StatusError
				}
				stepErr = err
				break
			}
			committed = p
			s.Status = StatusPaid
			s.GatewayPaymentID = remote.PaymentRef
			s.PaymentID = p.ID
		case remote.State == RemoteExpired:
			s.Status = StatusExpired
		}

		if !s.Status.Terminal() && s.Attempts >= c.MaxAttempts {
			s.Status = StatusError
			if errors.Is(stepErr, ErrGatewayUnavailable) {
				stepErr = nil
			}
		}
		closedNow = s.Status.Terminal()
		return true, stepErr
	})
	if err != nil && s == nil {
		return nil, err
	}

	if closedNow {
		c.closed(s)
	}
	if err != nil {
		res := &CheckoutResult{Session: *s}
		if !s.Status.Terminal() {
			res.RetryAfter = c.PollInterval
		}
		return res, err
	}
	return c.result(ctx, s, committed)
}

// ConfirmFromWebhook applies a gateway-pushed "paid" to a pending session.
// ctx must carry the principal the payment is recorded under.
func (c *Checkout) ConfirmFromWebhook(ctx context.Context, sessionID, paymentRef string) (*CheckoutResult, error) {
	var committed *dues.Payment
	var closedNow bool

	s, err := transition(ctx, c.Sessions, sessionID, func(s *Session) (bool, error) {
		if s.Kind != KindCheckout {
			return false, ErrWrongFlow
		}
		if s.Status.Terminal() {
			return false, nil
		}
		p, _, err := commitPayment(ctx, c.Recorder, c.Logger, *s, paymentRef)
		if err != nil {
			return false, err
		}
		committed = p
		s.Status = StatusPaid
		s.GatewayPaymentID = paymentRef
		s.PaymentID = p.ID
		s.UpdatedAt = c.Now()
		closedNow = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if closedNow {
		c.closed(s)
	}
	if !s.Status.Succeeded() {
		c.Logger.Error().
			Str("session_id", s.ID).
			Str("status", string(s.Status)).
			Str("gateway_payment_id", paymentRef).
			Msg("gateway reported payment for a closed session, manual reconciliation required")
	}
	return c.result(ctx, s, committed)
}

// Session returns a stored checkout session after checking the caller may see it.
func (c *Checkout) Session(ctx context.Context, sessionID string) (*Session, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeFlat(ctx, c.Calculator.Store, s.FlatID); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Checkout) load(ctx context.Context, sessionID string) (*Session, error) {
	s, err := c.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Kind != KindCheckout {
		return nil, ErrWrongFlow
	}
	return s, nil
}

func (c *Checkout) result(ctx context.Context, s *Session, committed *dues.Payment) (*CheckoutResult, error) {
	res := &CheckoutResult{Session: *s}
	switch {
	case s.Status == StatusPaid:
		res.Payment = committed
		if res.Payment == nil {
			_, p, err := c.Calculator.PaymentStatus(ctx, s.FlatID, s.Period)
			if err != nil {
				return nil, err
			}
			res.Payment = p
		}
		return res, nil
	case s.Status.Terminal():
		return res, closedError(s)
	default:
		res.RetryAfter = c.PollInterval
		return res, nil
	}
}

func (c *Checkout) closed(s *Session) {
	c.Observer.SessionClosed(s.Provider, s.Status)
	ev := c.Logger.Info()
	if s.Status == StatusError {
		ev = c.Logger.Warn()
	}
	ev.Str("session_id", s.ID).
		Str("flat_id", string(s.FlatID)).
		Str("period", s.Period.String()).
		Str("status", string(s.Status)).
		Int("attempts", s.Attempts).
		Msg("checkout session closed")
}
