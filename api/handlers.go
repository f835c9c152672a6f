/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the dues core and the gateway adapters via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.
  Authorization lives in the core; handlers only attach the principal the
  auth middleware verified.

ENDPOINTS:
  Dues:
    GET    /api/dues                     Dues for a period (admin: all, resident: own)
    GET    /api/dues/summary             Dashboard summary (admin)

  Flats:
    GET    /api/flats                    List flats
    POST   /api/flats                    Create flat
    GET    /api/flats/{id}               Get flat
    PUT    /api/flats/{id}               Update flat
    DELETE /api/flats/{id}               Delete flat (rejected while payments exist)
    GET    /api/flats/{id}/statement     Resident statement

  Billing periods:
    GET    /api/periods                  List periods, newest first
    POST   /api/periods                  Configure a period
    GET    /api/periods/{year}/{month}   Get one period
    GET    /api/periods/{year}/{month}/history  Overwrite audit trail

  Payments:
    GET    /api/payments                 List payments
    POST   /api/payments                 Record a manual payment
    POST   /api/payments/checkout        Start a hosted checkout
    GET    /api/payments/checkout/{id}   One status poll
    POST   /api/payments/orders          Create a gateway order
    POST   /api/payments/orders/verify   Verify the order callback and record

  Webhooks:
    POST   /api/webhooks/stripe
    POST   /api/webhooks/razorpay

PERIOD QUERY:
  ?month=3&year=2024. Both absent means the current month.

ERROR HANDLING:
  Errors are returned as {"error", "code", "details"} with the status
  chosen by statusFor:
  - 400: validation errors, unknown flat, unconfigured period, bad signature
  - 401: no or invalid token
  - 403: principal may not act on the flat
  - 404: flat, period or gateway session not found
  - 409: duplicate payment, period exists, duplicate flat number
  - 410: checkout timed out or expired, order rejected
  - 502: gateway transport failure
  - 503: gateway not configured
  - 500: everything else (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Request logging, authentication, metrics
  - server.go: Router setup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/gateway"
)

// maxWebhookBody bounds gateway webhook payloads.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Flats      *dues.FlatLedger
	Registry   *dues.Registry
	Calculator *dues.Calculator
	Recorder   *dues.Recorder

	// Gateway adapters. Nil when the gateway is not configured.
	Checkout *gateway.Checkout
	Orders   *gateway.Orders
	Webhooks *gateway.Webhooks

	// Reset clears the store before a demo seed. Nil disables the seed.
	Reset func(ctx context.Context) error

	Logger zerolog.Logger
	Now    func() time.Time

	validate *validator.Validate
}

// NewHandler creates a handler with the dues core built on store.
func NewHandler(store dues.TxStore, logger zerolog.Logger) *Handler {
	return &Handler{
		Flats:      dues.NewFlatLedger(store, logger),
		Registry:   dues.NewRegistry(store, logger),
		Calculator: dues.NewCalculator(store),
		Recorder:   dues.NewRecorder(store, logger),
		Logger:     logger,
		Now:        time.Now,
		validate:   newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Use JSON tag names for field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// DUES HANDLERS
// =============================================================================

// ListDues returns each visible flat's position for the period.
func (h *Handler) ListDues(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodFromQuery(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	ds, err := h.Calculator.Dues(r.Context(), period)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	dtos := make([]DueDTO, len(ds))
	for i, d := range ds {
		dtos[i] = toDueDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSummary returns the admin dashboard for the period.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodFromQuery(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	s, err := h.Calculator.Summary(r.Context(), period)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*s))
}

// =============================================================================
// FLAT HANDLERS
// =============================================================================

func (h *Handler) ListFlats(w http.ResponseWriter, r *http.Request) {
	flats, err := h.Flats.List(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	dtos := make([]FlatDTO, len(flats))
	for i, f := range flats {
		dtos[i] = toFlatDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateFlat(w http.ResponseWriter, r *http.Request) {
	var req FlatRequest
	if !h.decode(w, r, &req) {
		return
	}

	f, err := h.Flats.Create(r.Context(), req.toFlat(""))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFlatDTO(*f))
}

func (h *Handler) GetFlat(w http.ResponseWriter, r *http.Request) {
	f, err := h.Flats.Get(r.Context(), dues.FlatID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlatDTO(*f))
}

func (h *Handler) UpdateFlat(w http.ResponseWriter, r *http.Request) {
	var req FlatRequest
	if !h.decode(w, r, &req) {
		return
	}

	f, err := h.Flats.Update(r.Context(), req.toFlat(dues.FlatID(chi.URLParam(r, "id"))))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlatDTO(*f))
}

func (h *Handler) DeleteFlat(w http.ResponseWriter, r *http.Request) {
	if err := h.Flats.Delete(r.Context(), dues.FlatID(chi.URLParam(r, "id"))); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatement returns the resident statement for one flat and period.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodFromQuery(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	st, err := h.Calculator.Statement(r.Context(), dues.FlatID(chi.URLParam(r, "id")), period)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	breakdown := map[string]dues.Money{}
	for k, v := range st.Breakdown {
		breakdown[k] = v
	}
	writeJSON(w, http.StatusOK, StatementDTO{
		Flat:      toFlatDTO(st.Flat),
		Due:       toDueDTO(st.Due),
		Breakdown: breakdown,
		History:   toPaymentDTOs(st.History),
	})
}

// =============================================================================
// BILLING PERIOD HANDLERS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Registry.List(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	dtos := make([]BillingPeriodDTO, len(periods))
	for i, bp := range periods {
		dtos[i] = toBillingPeriodDTO(bp)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ConfigurePeriod(w http.ResponseWriter, r *http.Request) {
	var req BillingPeriodRequest
	if !h.decode(w, r, &req) {
		return
	}

	bp, err := h.Registry.Configure(r.Context(), req.toBillingPeriod())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillingPeriodDTO(*bp))
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromPath(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	bp, err := h.Registry.Get(r.Context(), period)
	if errors.Is(err, dues.ErrPeriodNotConfigured) {
		writeError(w, http.StatusNotFound, "Billing period not configured", "period_not_configured", nil)
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingPeriodDTO(*bp))
}

func (h *Handler) GetPeriodHistory(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromPath(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	audits, err := h.Registry.History(r.Context(), period)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	dtos := make([]PeriodAuditDTO, len(audits))
	for i, a := range audits {
		dtos[i] = toPeriodAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns ledger rows filtered by flat_id and/or month+year.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dues.PaymentFilter{FlatID: dues.FlatID(q.Get("flat_id"))}

	if q.Get("month") != "" || q.Get("year") != "" {
		period, err := h.periodFromQuery(r)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		filter.Period = &period
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeErr(w, r, &dues.InvalidInputError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	payments, err := h.Calculator.Payments(r.Context(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// RecordPayment records a manual (cash, check, bank transfer) payment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Recorder.Record(r.Context(), dues.PaymentIntent{
		FlatID: dues.FlatID(req.FlatID),
		Period: dues.Period{Month: req.Month, Year: req.Year},
		Amount: req.Amount,
		Method: dues.Method(req.Method),
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*p))
}

// =============================================================================
// GATEWAY HANDLERS
// =============================================================================

// InitiateCheckout opens a hosted checkout session and returns its redirect URL.
func (h *Handler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.Checkout == nil {
		h.writeErr(w, r, gateway.ErrNotConfigured)
		return
	}
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Checkout.InitiateCheckout(r.Context(), dues.FlatID(req.FlatID),
		dues.Period{Month: req.Month, Year: req.Year}, req.ReturnURL)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(*s))
}

// PollCheckout performs one bounded status check.
func (h *Handler) PollCheckout(w http.ResponseWriter, r *http.Request) {
	if h.Checkout == nil {
		h.writeErr(w, r, gateway.ErrNotConfigured)
		return
	}

	res, err := h.Checkout.PollStatus(r.Context(), chi.URLParam(r, "sessionId"))
	if res != nil && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((res.RetryAfter+time.Second-1)/time.Second)))
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutStatusDTO{
		Session:      toSessionDTO(res.Session),
		Payment:      toPaymentDTOPtr(res.Payment),
		RetryAfterMS: res.RetryAfter.Milliseconds(),
	})
}

// CreateOrder creates a gateway order for the flat's amount due.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if h.Orders == nil {
		h.writeErr(w, r, gateway.ErrNotConfigured)
		return
	}
	var req OrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.Orders.CreateOrder(r.Context(), dues.FlatID(req.FlatID), dues.Period{Month: req.Month, Year: req.Year})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderTicketDTO{
		OrderID:    t.OrderID,
		Amount:     t.Amount,
		Currency:   t.Currency,
		GatewayKey: t.GatewayKey,
		Session:    toSessionDTO(t.Session),
	})
}

// VerifyOrder checks the callback signature and records the payment.
func (h *Handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	if h.Orders == nil {
		h.writeErr(w, r, gateway.ErrNotConfigured)
		return
	}
	var req VerifyOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Orders.VerifyAndRecord(r.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyRecorded {
		status = http.StatusOK
	}
	writeJSON(w, status, VerifyResultDTO{
		Session:         toSessionDTO(res.Session),
		Payment:         toPaymentDTOPtr(res.Payment),
		AlreadyRecorded: res.AlreadyRecorded,
	})
}

// =============================================================================
// WEBHOOK HANDLERS
// =============================================================================

func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, r.Header.Get("Stripe-Signature"), func(ctx context.Context, payload []byte, sig string) error {
		return h.Webhooks.HandleCheckout(ctx, payload, sig)
	})
}

func (h *Handler) RazorpayWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, r.Header.Get("X-Razorpay-Signature"), func(ctx context.Context, payload []byte, sig string) error {
		return h.Webhooks.HandleOrder(ctx, payload, sig)
	})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, signature string,
	handle func(context.Context, []byte, string) error) {
	if h.Webhooks == nil {
		h.writeErr(w, r, gateway.ErrNotConfigured)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", "invalid_input", nil)
		return
	}
	if err := handle(r.Context(), payload, signature); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness. ping, when set, checks the database.
func Health(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeErr maps a core or gateway error to its response. Server errors are
// logged with the request id and returned without internals.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.Logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}

	var details any
	var dup *dues.DuplicatePaymentError
	var closed *gateway.SessionClosedError
	switch {
	case errors.As(err, &dup) && dup.Existing != nil:
		details = toPaymentDTO(*dup.Existing)
	case errors.As(err, &closed):
		details = map[string]string{"session_id": closed.SessionID, "status": string(closed.Status)}
	}
	writeError(w, status, message, code, details)
}

// statusFor is the single mapping from errors to HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, dues.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, dues.ErrForbidden):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, dues.ErrInvalidFlat):
		return http.StatusBadRequest, "invalid_flat"
	case errors.Is(err, dues.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, dues.ErrPeriodNotConfigured):
		return http.StatusBadRequest, "period_not_configured"
	case errors.Is(err, dues.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, gateway.ErrSignatureVerificationFailed):
		return http.StatusBadRequest, "signature_verification_failed"
	case errors.Is(err, gateway.ErrWrongFlow):
		return http.StatusBadRequest, "wrong_flow"

	case errors.Is(err, dues.ErrFlatNotFound):
		return http.StatusNotFound, "flat_not_found"
	case errors.Is(err, gateway.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"

	case errors.Is(err, dues.ErrDuplicatePayment):
		return http.StatusConflict, "duplicate_payment"
	case errors.Is(err, dues.ErrPeriodExists):
		return http.StatusConflict, "period_exists"
	case errors.Is(err, dues.ErrDuplicateFlatNumber):
		return http.StatusConflict, "duplicate_flat_number"
	case errors.Is(err, dues.ErrFlatHasPayments):
		return http.StatusConflict, "flat_has_payments"

	case errors.Is(err, gateway.ErrGatewayExpired):
		return http.StatusGone, "gateway_expired"
	case errors.Is(err, gateway.ErrGatewayTimeout):
		return http.StatusGone, "gateway_timeout"
	case errors.Is(err, gateway.ErrOrderRejected):
		return http.StatusGone, "order_rejected"

	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable"
	case errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusServiceUnavailable, "gateway_not_configured"

	// Classes, for errors added to the core after this table.
	case dues.IsClientError(err):
		return http.StatusBadRequest, "invalid_input"
	case dues.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case dues.IsConflict(err):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_input", err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]ValidationDetail, len(verrs))
			for i, e := range verrs {
				details[i] = ValidationDetail{Field: e.Field(), Message: validationMessage(e)}
			}
			writeError(w, http.StatusBadRequest, "Request validation failed", "invalid_input", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "Request validation failed", "invalid_input", err.Error())
		return false
	}
	return true
}

// validationMessage returns a human-readable validation message.
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "url":
		return "Invalid URL format"
	case "hexadecimal":
		return "Must be hexadecimal"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "min":
		return "Must be at least " + e.Param()
	case "max":
		if e.Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	default:
		return "Invalid value"
	}
}

// periodFromQuery reads ?month&year, defaulting to the current month when
// both are absent.
func (h *Handler) periodFromQuery(r *http.Request) (dues.Period, error) {
	q := r.URL.Query()
	month, year := q.Get("month"), q.Get("year")
	if month == "" && year == "" {
		return dues.PeriodOf(h.Now()), nil
	}
	return parsePeriod(month, year)
}

func periodFromPath(r *http.Request) (dues.Period, error) {
	return parsePeriod(chi.URLParam(r, "month"), chi.URLParam(r, "year"))
}

func parsePeriod(month, year string) (dues.Period, error) {
	m, err := strconv.Atoi(month)
	if err != nil {
		return dues.Period{}, &dues.InvalidInputError{Field: "month", Reason: fmt.Sprintf("not a number: %q", month)}
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return dues.Period{}, &dues.InvalidInputError{Field: "year", Reason: fmt.Sprintf("not a number: %q", year)}
	}
	return dues.NewPeriod(m, y)
}
