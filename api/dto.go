/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the dues core from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings ("500.00"). Requests also accept JSON numbers.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required fields, enums, ranges). Business rules (positive amounts,
  non-negative breakdowns, unique flat numbers) stay in the dues core so
  that every caller gets them.

SEE ALSO:
  - handlers.go: Uses these types
  - dues/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/gateway"
)

// =============================================================================
// FLATS
// =============================================================================

// FlatDTO represents a flat in API responses.
type FlatDTO struct {
	ID           string      `json:"id"`
	Number       string      `json:"number"`
	OwnerName    string      `json:"owner_name,omitempty"`
	OwnerEmail   string      `json:"owner_email,omitempty"`
	OwnerPhone   string      `json:"owner_phone,omitempty"`
	Size         string      `json:"size,omitempty"`
	CustomCharge *dues.Money `json:"custom_charge"`
	CreatedAt    time.Time   `json:"created_at"`
}

// FlatRequest creates or updates a flat.
type FlatRequest struct {
	Number       string      `json:"number" validate:"required,max=32"`
	OwnerName    string      `json:"owner_name" validate:"max=120"`
	OwnerEmail   string      `json:"owner_email" validate:"omitempty,email"`
	OwnerPhone   string      `json:"owner_phone" validate:"max=32"`
	Size         string      `json:"size" validate:"max=32"`
	CustomCharge *dues.Money `json:"custom_charge"`
}

func (req FlatRequest) toFlat(id dues.FlatID) dues.Flat {
	return dues.Flat{
		ID:           id,
		Number:       req.Number,
		OwnerName:    req.OwnerName,
		OwnerEmail:   req.OwnerEmail,
		OwnerPhone:   req.OwnerPhone,
		Size:         req.Size,
		CustomCharge: req.CustomCharge,
	}
}

func toFlatDTO(f dues.Flat) FlatDTO {
	return FlatDTO{
		ID:           string(f.ID),
		Number:       f.Number,
		OwnerName:    f.OwnerName,
		OwnerEmail:   f.OwnerEmail,
		OwnerPhone:   f.OwnerPhone,
		Size:         f.Size,
		CustomCharge: f.CustomCharge,
		CreatedAt:    f.CreatedAt,
	}
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

// BillingPeriodDTO represents a configured period.
type BillingPeriodDTO struct {
	Month      int                   `json:"month"`
	Year       int                   `json:"year"`
	Period     string                `json:"period"` // YYYY-MM
	BaseCharge dues.Money            `json:"base_charge"`
	Breakdown  map[string]dues.Money `json:"breakdown"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// BillingPeriodRequest configures a period.
type BillingPeriodRequest struct {
	Month      int                   `json:"month" validate:"required,min=1,max=12"`
	Year       int                   `json:"year" validate:"required,min=1"`
	BaseCharge dues.Money            `json:"base_charge"`
	Breakdown  map[string]dues.Money `json:"breakdown"`
}

func (req BillingPeriodRequest) toBillingPeriod() dues.BillingPeriod {
	return dues.BillingPeriod{
		Period:     dues.Period{Month: req.Month, Year: req.Year},
		BaseCharge: req.BaseCharge,
		Breakdown:  dues.Breakdown(req.Breakdown),
	}
}

func toBillingPeriodDTO(bp dues.BillingPeriod) BillingPeriodDTO {
	breakdown := map[string]dues.Money{}
	for k, v := range bp.Breakdown {
		breakdown[k] = v
	}
	return BillingPeriodDTO{
		Month:      bp.Period.Month,
		Year:       bp.Period.Year,
		Period:     bp.Period.String(),
		BaseCharge: bp.BaseCharge,
		Breakdown:  breakdown,
		CreatedAt:  bp.CreatedAt,
		UpdatedAt:  bp.UpdatedAt,
	}
}

// PeriodAuditDTO is one overwrite recorded under the audit policy.
type PeriodAuditDTO struct {
	ID               string     `json:"id"`
	Period           string     `json:"period"`
	OldBaseCharge    dues.Money `json:"old_base_charge"`
	NewBaseCharge    dues.Money `json:"new_base_charge"`
	ActorID          string     `json:"actor_id"`
	PaymentsAtChange int        `json:"payments_at_change"`
	ChangedAt        time.Time  `json:"changed_at"`
}

func toPeriodAuditDTO(a dues.PeriodAudit) PeriodAuditDTO {
	return PeriodAuditDTO{
		ID:               a.ID,
		Period:           a.Period.String(),
		OldBaseCharge:    a.OldBaseCharge,
		NewBaseCharge:    a.NewBaseCharge,
		ActorID:          a.ActorID,
		PaymentsAtChange: a.PaymentsAtChange,
		ChangedAt:        a.ChangedAt,
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a ledger row.
type PaymentDTO struct {
	ID            string     `json:"id"`
	FlatID        string     `json:"flat_id"`
	FlatNumber    string     `json:"flat_number"`
	Month         int        `json:"month"`
	Year          int        `json:"year"`
	Amount        dues.Money `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	ReceiptNumber string     `json:"receipt_number"`
	PaidAt        time.Time  `json:"paid_at"`
	Provider      string     `json:"provider,omitempty"`
	GatewayRef    string     `json:"gateway_ref,omitempty"`
	RecordedBy    string     `json:"recorded_by"`
}

// RecordPaymentRequest records a manual payment. Gateway payments arrive
// through the checkout and order endpoints instead.
type RecordPaymentRequest struct {
	FlatID string     `json:"flat_id" validate:"required"`
	Month  int        `json:"month" validate:"required,min=1,max=12"`
	Year   int        `json:"year" validate:"required,min=1"`
	Amount dues.Money `json:"amount"`
	Method string     `json:"method" validate:"required,oneof=cash check bank_transfer"`
}

func toPaymentDTO(p dues.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		FlatID:        string(p.FlatID),
		FlatNumber:    p.FlatNumber,
		Month:         p.Period.Month,
		Year:          p.Period.Year,
		Amount:        p.Amount,
		Method:        string(p.Method),
		Status:        string(p.Status),
		ReceiptNumber: p.ReceiptNumber,
		PaidAt:        p.PaidAt,
		Provider:      p.Provider,
		GatewayRef:    p.GatewayRef,
		RecordedBy:    p.RecordedBy,
	}
}

func toPaymentDTOs(ps []dues.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toPaymentDTOPtr(p *dues.Payment) *PaymentDTO {
	if p == nil {
		return nil
	}
	dto := toPaymentDTO(*p)
	return &dto
}

// =============================================================================
// DUES, SUMMARY, STATEMENT
// =============================================================================

// DueDTO is one flat's position for a period.
type DueDTO struct {
	FlatID     string      `json:"flat_id"`
	FlatNumber string      `json:"flat_number"`
	Period     string      `json:"period"`
	Amount     dues.Money  `json:"amount"`
	Source     string      `json:"source"` // custom, base or none
	Configured bool        `json:"configured"`
	Status     string      `json:"status"`
	Payment    *PaymentDTO `json:"payment,omitempty"`
}

func toDueDTO(d dues.Due) DueDTO {
	return DueDTO{
		FlatID:     string(d.FlatID),
		FlatNumber: d.FlatNumber,
		Period:     d.Period.String(),
		Amount:     d.Amount,
		Source:     string(d.Source),
		Configured: d.Configured,
		Status:     string(d.Status),
		Payment:    toPaymentDTOPtr(d.Payment),
	}
}

// SummaryDTO is the admin dashboard for a period.
type SummaryDTO struct {
	Period           string       `json:"period"`
	PeriodConfigured bool         `json:"period_configured"`
	Flats            int          `json:"flats"`
	PaidCount        int          `json:"paid_count"`
	PendingCount     int          `json:"pending_count"`
	TotalDue         dues.Money   `json:"total_due"`
	TotalCollected   dues.Money   `json:"total_collected"`
	PendingAmount    dues.Money   `json:"pending_amount"`
	RecentPayments   []PaymentDTO `json:"recent_payments"`
}

func toSummaryDTO(s dues.Summary) SummaryDTO {
	return SummaryDTO{
		Period:           s.Period.String(),
		PeriodConfigured: s.PeriodConfigured,
		Flats:            s.Flats,
		PaidCount:        s.PaidCount,
		PendingCount:     s.PendingCount,
		TotalDue:         s.TotalDue,
		TotalCollected:   s.TotalCollected,
		PendingAmount:    s.PendingAmount,
		RecentPayments:   toPaymentDTOs(s.RecentPayments),
	}
}

// StatementDTO is the resident view of one flat and period.
type StatementDTO struct {
	Flat      FlatDTO               `json:"flat"`
	Due       DueDTO                `json:"due"`
	Breakdown map[string]dues.Money `json:"breakdown"`
	History   []PaymentDTO          `json:"history"`
}

// =============================================================================
// GATEWAY FLOWS
// =============================================================================

// SessionDTO represents a checkout session or gateway order.
type SessionDTO struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Provider    string     `json:"provider"`
	FlatID      string     `json:"flat_id"`
	Period      string     `json:"period"`
	Amount      dues.Money `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	RedirectURL string     `json:"redirect_url,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	PaymentID   string     `json:"payment_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toSessionDTO(s gateway.Session) SessionDTO {
	return SessionDTO{
		ID:          s.ID,
		Kind:        string(s.Kind),
		Provider:    s.Provider,
		FlatID:      string(s.FlatID),
		Period:      s.Period.String(),
		Amount:      s.Amount,
		Currency:    s.Currency,
		Status:      string(s.Status),
		RedirectURL: s.RedirectURL,
		Attempts:    s.Attempts,
		PaymentID:   string(s.PaymentID),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// CheckoutRequest starts a hosted checkout.
type CheckoutRequest struct {
	FlatID    string `json:"flat_id" validate:"required"`
	Month     int    `json:"month" validate:"required,min=1,max=12"`
	Year      int    `json:"year" validate:"required,min=1"`
	ReturnURL string `json:"return_url" validate:"required,url"`
}

// CheckoutStatusDTO is the answer to one poll.
type CheckoutStatusDTO struct {
	Session      SessionDTO  `json:"session"`
	Payment      *PaymentDTO `json:"payment,omitempty"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
}

// OrderRequest creates a gateway order.
type OrderRequest struct {
	FlatID string `json:"flat_id" validate:"required"`
	Month  int    `json:"month" validate:"required,min=1,max=12"`
	Year   int    `json:"year" validate:"required,min=1"`
}

// OrderTicketDTO opens the gateway's payment widget on the client.
type OrderTicketDTO struct {
	OrderID    string     `json:"order_id"`
	Amount     dues.Money `json:"amount"`
	Currency   string     `json:"currency"`
	GatewayKey string     `json:"gateway_key"`
	Session    SessionDTO `json:"session"`
}

// VerifyOrderRequest carries the callback fields the widget returns.
type VerifyOrderRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
	Signature string `json:"signature" validate:"required,hexadecimal"`
}

// VerifyResultDTO reports the committed payment of a verified order.
type VerifyResultDTO struct {
	Session         SessionDTO  `json:"session"`
	Payment         *PaymentDTO `json:"payment"`
	AlreadyRecorded bool        `json:"already_recorded"`
}

// =============================================================================
// SEED
// =============================================================================

// SeedResponse summarizes the demo association.
type SeedResponse struct {
	Flats    int    `json:"flats"`
	Period   string `json:"period"`
	Payments int    `json:"payments"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ValidationDetail names one rejected request field.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
