/*
Package gateway reconciles external payment gateways into the dues ledger.

PURPOSE:
  A gateway payment starts as a transient Session (a hosted checkout session
  or a gateway order) and, on success, produces exactly one Payment through
  dues.Recorder. Two adapters share that contract:

    Checkout (redirect/session, e.g. Stripe):
      created -> pending -> {paid | expired | error}
      driven by caller polls, each poll is one bounded status check

    Orders (order/signature, e.g. Razorpay):
      created -> awaiting_callback -> {verified | rejected}
      driven by a client-delivered callback carrying an HMAC signature

  Webhooks from either gateway land on the same transitions.

CONCURRENCY:
  Sessions carry a Version for optimistic updates. A poll, a callback and a
  webhook may race on one session; the loser of an UpdateSession sees
  ErrStaleSession, re-reads, and reports whatever the winner wrote. The
  payment itself is protected by the recorder's uniqueness invariant, so a
  lost race never produces a second Payment.

SEE ALSO:
  - checkout.go, orders.go: the two state machines
  - webhooks.go: push confirmations
  - dues/recorder.go: the commit both adapters end in
*/
package gateway

import (
	"context"
	"time"

	"github.com/warp/dues-engine/dues"
)

// Kind distinguishes the two adapter flows.
type Kind string

const (
	KindCheckout Kind = "checkout"
	KindOrder    Kind = "order"
)

// SessionStatus is the lifecycle state of a gateway session.
type SessionStatus string

const (
	StatusCreated SessionStatus = "created"

	// Checkout flow
	StatusPending SessionStatus = "pending"
	StatusPaid    SessionStatus = "paid"
	StatusExpired SessionStatus = "expired"
	StatusError   SessionStatus = "error"

	// Order flow
	StatusAwaitingCallback SessionStatus = "awaiting_callback"
	StatusVerified         SessionStatus = "verified"
	StatusRejected         SessionStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusPaid, StatusExpired, StatusError, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// Succeeded reports whether the session ended in a committed payment.
func (s SessionStatus) Succeeded() bool {
	return s == StatusPaid || s == StatusVerified
}

// Session is a transient gateway handle for one (flat, period) payment.
type Session struct {
	ID       string // gateway session or order id
	Kind     Kind
	Provider string
	FlatID   dues.FlatID
	Period   dues.Period
	Amount   dues.Money
	Currency string
	Status   SessionStatus

	// Checkout flow
	RedirectURL string
	Attempts    int

	// Set once the session succeeded.
	GatewayPaymentID string
	PaymentID        dues.PaymentID

	InitiatedBy string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionStore persists gateway sessions.
type SessionStore interface {
	// CreateSession inserts a session. Returns ErrSessionExists for a reused id.
	CreateSession(ctx context.Context, s Session) error

	// GetSession returns (nil, nil) when the id is unknown.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession writes s only if the stored version still equals
	// s.Version, storing s.Version+1. Returns ErrStaleSession otherwise.
	UpdateSession(ctx context.Context, s Session) error
}
