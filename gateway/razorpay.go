package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultRazorpayURL = "https://api.razorpay.com/v1"

// RazorpayConfig holds Razorpay configuration.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
	BaseURL       string
}

// Razorpay implements OrderGateway for Razorpay orders.
type Razorpay struct {
	config     RazorpayConfig
	httpClient *http.Client
	baseURL    string
}

// NewRazorpay creates a new Razorpay order gateway.
func NewRazorpay(config RazorpayConfig) *Razorpay {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultRazorpayURL
	}
	if config.Currency == "" {
		config.Currency = "INR"
	}
	return &Razorpay{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

func (r *Razorpay) Name() string     { return "razorpay" }
func (r *Razorpay) KeyID() string    { return r.config.KeyID }
func (r *Razorpay) Currency() string { return r.config.Currency }

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder opens an order. Amounts travel in paise.
func (r *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (*RemoteOrder, error) {
	currency := req.Currency
	if currency == "" {
		currency = r.config.Currency
	}
	payload := map[string]interface{}{
		"amount":   MinorUnits(req.Amount),
		"currency": currency,
		"receipt":  req.Receipt,
	}
	if len(req.Notes) > 0 {
		payload["notes"] = req.Notes
	}

	var order razorpayOrder
	if err := r.doRequest(ctx, http.MethodPost, "/orders", payload, &order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, fmt.Errorf("razorpay: order response without id")
	}
	return &RemoteOrder{
		ID:       order.ID,
		Amount:   FromMinorUnits(order.Amount),
		Currency: order.Currency,
	}, nil
}

// VerifyPayment checks the checkout callback signature.
func (r *Razorpay) VerifyPayment(orderID, paymentID, signature string) bool {
	return ValidSignature(r.config.KeySecret, []byte(orderID+"|"+paymentID), signature)
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
				Amount  int64  `json:"amount"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseWebhook authenticates a webhook body (X-Razorpay-Signature) and
// extracts the order confirmation it carries.
func (r *Razorpay) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if r.config.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	if !ValidSignature(r.config.WebhookSecret, payload, signature) {
		return nil, ErrSignatureVerificationFailed
	}

	var body razorpayWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("razorpay: decode webhook: %w", err)
	}

	payment := body.Payload.Payment.Entity
	orderID := payment.OrderID
	if orderID == "" {
		orderID = body.Payload.Order.Entity.ID
	}
	ev := &WebhookEvent{
		ID:         body.Event + ":" + payment.ID,
		Type:       body.Event,
		Provider:   r.Name(),
		SessionID:  orderID,
		PaymentRef: payment.ID,
	}
	switch body.Event {
	case "payment.captured":
		ev.Paid = payment.Status == "captured"
	case "order.paid":
		ev.Paid = true
	}
	return ev, nil
}

func (r *Razorpay) doRequest(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(r.config.KeyID, r.config.KeySecret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var apiErr razorpayError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Description != "" {
			return fmt.Errorf("razorpay API error (%d %s): %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Description)
		}
		return fmt.Errorf("razorpay API error: status %d", resp.StatusCode)
	}
	return json.Unmarshal(respBody, out)
}

// =============================================================================
// SIGNATURES
// =============================================================================

// PaymentSignature is the signature an order gateway attaches to a successful
// checkout: hex(HMAC-SHA256(secret, orderID + "|" + paymentID)).
func PaymentSignature(secret, orderID, paymentID string) string {
	return sign(secret, []byte(orderID+"|"+paymentID))
}

// ValidSignature compares signature with the HMAC of message in constant time.
func ValidSignature(secret string, message []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(sign(secret, message)))
}

func sign(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
