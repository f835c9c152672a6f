package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string

	// Backend overrides the API backend (tests point it at an httptest server).
	Backend stripe.Backend
}

// StripeCheckout implements CheckoutGateway with Stripe Checkout sessions.
type StripeCheckout struct {
	config   StripeConfig
	sessions checkoutsession.Client
}

// NewStripeCheckout creates a Stripe checkout gateway. Each instance carries
// its own key instead of the package-global stripe.Key.
func NewStripeCheckout(config StripeConfig) *StripeCheckout {
	backend := config.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	if config.Currency == "" {
		config.Currency = "inr"
	}
	return &StripeCheckout{
		config:   config,
		sessions: checkoutsession.Client{B: backend, Key: config.SecretKey},
	}
}

func (s *StripeCheckout) Name() string     { return "stripe" }
func (s *StripeCheckout) Currency() string { return s.config.Currency }

// CreateCheckoutSession opens a one-off payment-mode Checkout session.
func (s *StripeCheckout) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*HostedSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withSessionID(req.ReturnURL)),
		CancelURL:         stripe.String(req.ReturnURL),
		ClientReferenceID: stripe.String(string(req.FlatID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(MinorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Maintenance %s, flat %s", req.Period, req.FlatNumber)),
					},
				},
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("flat_id", string(req.FlatID))
	params.AddMetadata("period", req.Period.String())

	sess, err := s.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &HostedSession{ID: sess.ID, URL: sess.URL}, nil
}

// CheckoutStatus reads the session back from Stripe.
func (s *StripeCheckout) CheckoutStatus(ctx context.Context, sessionID string) (*RemoteCheckout, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.sessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return mapStripeSession(sess), nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the
// checkout confirmation the event carries.
func (s *StripeCheckout) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if s.config.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerificationFailed, err)
	}

	ev := &WebhookEvent{ID: event.ID, Type: string(event.Type), Provider: s.Name()}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		remote := mapStripeSession(&sess)
		ev.SessionID = sess.ID
		ev.PaymentRef = remote.PaymentRef
		ev.Paid = remote.State == RemotePaid
	}
	return ev, nil
}

func mapStripeSession(sess *stripe.CheckoutSession) *RemoteCheckout {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		ref := sess.ID
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			ref = sess.PaymentIntent.ID
		}
		return &RemoteCheckout{State: RemotePaid, PaymentRef: ref}
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return &RemoteCheckout{State: RemoteExpired}
	default:
		return &RemoteCheckout{State: RemoteOpen}
	}
}

func withSessionID(returnURL string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + "session_id={CHECKOUT_SESSION_ID}"
}
