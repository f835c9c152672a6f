package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/dues"
)

// WebhookEvent is an authenticated gateway push, reduced to what the
// reconcilers need.
type WebhookEvent struct {
	ID         string // replay key
	Type       string
	Provider   string
	SessionID  string // checkout session or order id
	PaymentRef string
	Paid       bool
}

// WebhookVerifier authenticates and decodes a raw webhook body.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// ReplayGuard remembers processed webhook ids.
type ReplayGuard interface {
	// Claim returns true the first time key is seen.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a failed delivery can be retried.
	Release(ctx context.Context, key string) error
}

// Webhooks routes authenticated gateway pushes into the two adapters.
type Webhooks struct {
	Checkout *Checkout
	Orders   *Orders

	Stripe   WebhookVerifier
	Razorpay WebhookVerifier

	Replays  ReplayGuard
	Observer Observer
	Logger   zerolog.Logger
}

// HandleCheckout processes a redirect/session gateway webhook.
func (w *Webhooks) HandleCheckout(ctx context.Context, payload []byte, signature string) error {
	return w.handle(ctx, w.Stripe, "stripe", payload, signature, func(ctx context.Context, ev *WebhookEvent) error {
		_, err := w.Checkout.ConfirmFromWebhook(ctx, ev.SessionID, ev.PaymentRef)
		return err
	})
}

// HandleOrder processes an order/signature gateway webhook.
func (w *Webhooks) HandleOrder(ctx context.Context, payload []byte, signature string) error {
	return w.handle(ctx, w.Razorpay, "razorpay", payload, signature, func(ctx context.Context, ev *WebhookEvent) error {
		_, err := w.Orders.ConfirmFromWebhook(ctx, ev.SessionID, ev.PaymentRef)
		return err
	})
}

func (w *Webhooks) handle(ctx context.Context, v WebhookVerifier, provider string, payload []byte, signature string,
	confirm func(context.Context, *WebhookEvent) error) error {
	if v == nil {
		return ErrNotConfigured
	}

	ev, err := v.ParseWebhook(payload, signature)
	if errors.Is(err, ErrSignatureVerificationFailed) {
		w.observer().SignatureFailed(provider)
		w.Logger.Warn().
			Str("event", "possible_tamper").
			Str("provider", provider).
			Msg("webhook signature mismatch")
		return err
	}
	if err != nil {
		return err
	}

	log := w.Logger.With().
		Str("provider", provider).
		Str("webhook_id", ev.ID).
		Str("type", ev.Type).
		Str("session_id", ev.SessionID).
		Logger()
	if !ev.Paid || ev.SessionID == "" {
		log.Debug().Msg("webhook ignored")
		return nil
	}

	if w.Replays != nil {
		first, err := w.Replays.Claim(ctx, provider+":"+ev.ID)
		if err != nil {
			return fmt.Errorf("webhook replay check: %w", err)
		}
		if !first {
			log.Debug().Msg("webhook replay ignored")
			return nil
		}
	}

	err = confirm(dues.WithPrincipal(ctx, dues.SystemPrincipal), ev)
	var closed *SessionClosedError
	switch {
	case err == nil:
		log.Info().Msg("webhook confirmed payment")
		return nil
	case errors.Is(err, ErrSessionNotFound):
		log.Info().Msg("webhook for unknown session")
		return nil
	case errors.As(err, &closed):
		log.Warn().Str("status", string(closed.Status)).Msg("webhook for closed session")
		return nil
	}

	if w.Replays != nil {
		if rerr := w.Replays.Release(ctx, provider+":"+ev.ID); rerr != nil {
			log.Error().Err(rerr).Msg("release webhook claim")
		}
	}
	return err
}

func (w *Webhooks) observer() Observer {
	if w.Observer == nil {
		return nopObserver{}
	}
	return w.Observer
}
