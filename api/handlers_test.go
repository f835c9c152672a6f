/*
handlers_test.go - HTTP tests for the dues API

Tests for:
- Authentication and role enforcement
- Flat, billing period and manual payment endpoints
- Error mapping (validation, conflict, not found, gone)
- Checkout polling and order verification with fake gateways
- Webhooks, seed and metrics wiring
*/
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/metrics"
)

var march2024 = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

type testAPI struct {
	t        *testing.T
	router   http.Handler
	store    *store.Memory
	handler  *Handler
	checkout *gateway.FakeCheckout
	orders   *gateway.FakeOrders
	metrics  *metrics.Collector

	admin     string
	residentA string
	residentB string
}

// newTestAPI builds the full router over a memory store holding flat-a
// (A-101), flat-b (B-202, custom 350) and March 2024 configured at 500.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	mem := store.NewMemory()
	require.NoError(t, mem.SaveFlat(ctx, dues.Flat{ID: "flat-a", Number: "A-101", CreatedAt: march2024}))
	custom := dues.NewMoney(350)
	require.NoError(t, mem.SaveFlat(ctx, dues.Flat{ID: "flat-b", Number: "B-202", CustomCharge: &custom, CreatedAt: march2024}))
	require.NoError(t, mem.SaveBillingPeriod(ctx, dues.BillingPeriod{
		Period:     dues.Period{Month: 3, Year: 2024},
		BaseCharge: dues.NewMoney(500),
		Breakdown:  dues.Breakdown{"security": dues.NewMoney(200)},
		CreatedAt:  march2024,
		UpdatedAt:  march2024,
	}))

	collector := metrics.New()

	h := NewHandler(mem, logger)
	h.Now = func() time.Time { return march2024 }
	h.Reset = mem.Reset
	h.Recorder.Observer = collector

	fakeCheckout := gateway.NewFakeCheckout()
	h.Checkout = gateway.NewCheckout(fakeCheckout, mem, h.Calculator, h.Recorder, logger)
	h.Checkout.MaxAttempts = 3
	h.Checkout.PollInterval = 1500 * time.Millisecond

	fakeOrders := gateway.NewFakeOrders("secret")
	h.Orders = gateway.NewOrders(fakeOrders, mem, h.Calculator, h.Recorder, logger)

	replays := cache.NewMemoryStore(time.Hour)
	t.Cleanup(func() { replays.Close() })
	h.Webhooks = &gateway.Webhooks{
		Checkout: h.Checkout,
		Orders:   h.Orders,
		Stripe:   gateway.NewStripeCheckout(gateway.StripeConfig{WebhookSecret: "whsec_test"}),
		Razorpay: gateway.NewRazorpay(gateway.RazorpayConfig{WebhookSecret: "whsec"}),
		Replays:  replays,
		Observer: collector,
		Logger:   logger,
	}

	tokens := auth.NewTokenService("test-secret", time.Hour)
	router := NewRouter(h, Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		Tokens:         tokens,
		Metrics:        collector,
		MetricsPath:    "/metrics",
		DevRoutes:      true,
		Health:         func(context.Context) error { return nil },
	})

	api := &testAPI{
		t:        t,
		router:   router,
		store:    mem,
		handler:  h,
		checkout: fakeCheckout,
		orders:   fakeOrders,
		metrics:  collector,
	}
	api.admin = api.token(tokens, dues.Principal{ID: "admin-1", Role: dues.RoleAdmin})
	api.residentA = api.token(tokens, dues.Principal{ID: "res-a", Role: dues.RoleResident, FlatNumber: "A-101"})
	api.residentB = api.token(tokens, dues.Principal{ID: "res-b", Role: dues.RoleResident, FlatNumber: "B-202"})
	return api
}

func (a *testAPI) token(tokens *auth.TokenService, p dues.Principal) string {
	a.t.Helper()
	tok, _, err := tokens.GenerateToken(p)
	require.NoError(a.t, err)
	return tok
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		case string:
			buf.WriteString(b)
		default:
			require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func hmacHex(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func cashPayment(flatID, amount string) map[string]any {
	return map[string]any{"flat_id": flatID, "month": 3, "year": 2024, "amount": amount, "method": "cash"}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAPI_RequiresBearerToken(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/dues", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodGet, "/api/dues", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAPI_HealthIsPublic(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

// =============================================================================
// DUES
// =============================================================================

func TestAPI_ListDues_ScopedByRole(t *testing.T) {
	// GIVEN: Two flats and March 2024 configured at 500
	// WHEN: The admin and a resident list dues for the period
	// THEN: The admin sees both flats, the resident only their own

	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/dues?month=3&year=2024", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[[]DueDTO](t, rec)
	require.Len(t, all, 2)

	rec = api.do(http.MethodGet, "/api/dues?month=3&year=2024", api.residentB, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	own := decodeBody[[]DueDTO](t, rec)
	require.Len(t, own, 1)
	assert.Equal(t, "B-202", own[0].FlatNumber)
	assert.True(t, dues.NewMoney(350).Equal(own[0].Amount))
	assert.Equal(t, "custom", own[0].Source)
	assert.Equal(t, "pending", own[0].Status)
}

func TestAPI_ListDues_DefaultsToCurrentPeriod(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/dues", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, d := range decodeBody[[]DueDTO](t, rec) {
		assert.Equal(t, "2024-03", d.Period)
	}
}

func TestAPI_ListDues_BadPeriod(t *testing.T) {
	api := newTestAPI(t)

	for _, q := range []string{"?month=13&year=2024", "?month=x&year=2024", "?month=3"} {
		rec := api.do(http.MethodGet, "/api/dues"+q, api.admin, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestAPI_Summary_AdminOnly(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/dues/summary?month=3&year=2024", api.residentA, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-a", "500")).Code)

	rec = api.do(http.MethodGet, "/api/dues/summary?month=3&year=2024", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	s := decodeBody[SummaryDTO](t, rec)
	assert.Equal(t, 2, s.Flats)
	assert.Equal(t, 1, s.PaidCount)
	assert.Equal(t, 1, s.PendingCount)
	assert.True(t, dues.NewMoney(850).Equal(s.TotalDue))
	assert.True(t, dues.NewMoney(500).Equal(s.TotalCollected))
	assert.True(t, dues.NewMoney(350).Equal(s.PendingAmount))
	assert.Len(t, s.RecentPayments, 1)
}

// =============================================================================
// FLATS
// =============================================================================

func TestAPI_Flats_CRUD(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/flats", api.admin, map[string]any{
		"number": "C-303", "owner_name": "Nila", "owner_email": "nila@example.com", "custom_charge": "420",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[FlatDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	require.NotNil(t, created.CustomCharge)
	assert.True(t, dues.NewMoney(420).Equal(*created.CustomCharge))

	rec = api.do(http.MethodPut, "/api/flats/"+created.ID, api.admin, map[string]any{"number": "C-303", "owner_name": "Nila R"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decodeBody[FlatDTO](t, rec).CustomCharge)

	rec = api.do(http.MethodGet, "/api/flats/"+created.ID, api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Nila R", decodeBody[FlatDTO](t, rec).OwnerName)

	rec = api.do(http.MethodDelete, "/api/flats/"+created.ID, api.admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/flats/"+created.ID, api.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Flats_Errors(t *testing.T) {
	api := newTestAPI(t)

	t.Run("duplicate number", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/flats", api.admin, map[string]any{"number": "A-101"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "duplicate_flat_number", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("validation names the json field", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/flats", api.admin, map[string]any{"owner_email": "nope"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[struct {
			Code    string             `json:"code"`
			Details []ValidationDetail `json:"details"`
		}](t, rec)
		assert.Equal(t, "invalid_input", body.Code)
		fields := map[string]string{}
		for _, d := range body.Details {
			fields[d.Field] = d.Message
		}
		assert.Equal(t, "This field is required", fields["number"])
		assert.Equal(t, "Invalid email format", fields["owner_email"])
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/flats", api.admin, `{"number":"Z-1","floor":3}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("resident cannot create", func(t *testing.T) {
		rec := api.do(http.MethodPost, "/api/flats", api.residentA, map[string]any{"number": "Z-9"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("delete with payments", func(t *testing.T) {
		require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-a", "500")).Code)
		rec := api.do(http.MethodDelete, "/api/flats/flat-a", api.admin, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "flat_has_payments", decodeBody[ErrorResponse](t, rec).Code)
	})
}

func TestAPI_Statement(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/flats/flat-a/statement?month=3&year=2024", api.residentA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeBody[StatementDTO](t, rec)
	assert.Equal(t, "A-101", st.Flat.Number)
	assert.True(t, dues.NewMoney(500).Equal(st.Due.Amount))
	assert.Contains(t, st.Breakdown, "security")

	rec = api.do(http.MethodGet, "/api/flats/flat-a/statement?month=3&year=2024", api.residentB, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

func TestAPI_Periods(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/periods/2024/4", api.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "period_not_configured", decodeBody[ErrorResponse](t, rec).Code)

	rec = api.do(http.MethodPost, "/api/periods", api.admin, map[string]any{
		"month": 4, "year": 2024, "base_charge": "550",
		"breakdown": map[string]string{"security": "250", "water": "100"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, "/api/periods/2024/4", api.residentA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bp := decodeBody[BillingPeriodDTO](t, rec)
	assert.Equal(t, "2024-04", bp.Period)
	assert.True(t, dues.NewMoney(550).Equal(bp.BaseCharge))

	rec = api.do(http.MethodGet, "/api/periods", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]BillingPeriodDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "2024-04", list[0].Period)

	// Reject policy: resubmission conflicts and leaves no audit row
	rec = api.do(http.MethodPost, "/api/periods", api.admin, map[string]any{"month": 4, "year": 2024, "base_charge": "600"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodGet, "/api/periods/2024/4/history", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]PeriodAuditDTO](t, rec))

	rec = api.do(http.MethodGet, "/api/periods/2024/0", api.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Periods_AuditPolicy(t *testing.T) {
	api := newTestAPI(t)
	api.handler.Registry.Policy = dues.OverwriteAudit

	rec := api.do(http.MethodPost, "/api/periods", api.admin, map[string]any{"month": 3, "year": 2024, "base_charge": "650"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, "/api/periods/2024/3/history", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audits := decodeBody[[]PeriodAuditDTO](t, rec)
	require.Len(t, audits, 1)
	assert.True(t, dues.NewMoney(500).Equal(audits[0].OldBaseCharge))
	assert.True(t, dues.NewMoney(650).Equal(audits[0].NewBaseCharge))
	assert.Equal(t, "admin-1", audits[0].ActorID)
}

// =============================================================================
// MANUAL PAYMENTS
// =============================================================================

func TestAPI_RecordPayment(t *testing.T) {
	// GIVEN: A-101 owes 500 for March 2024
	// WHEN: The admin records a cash payment, then records it again
	// THEN: The first is 201, the second 409 carrying the existing payment

	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-a", "500"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "paid", first.Status)
	assert.Equal(t, "A-101", first.FlatNumber)
	assert.NotEmpty(t, first.ReceiptNumber)
	assert.Equal(t, "admin-1", first.RecordedBy)

	rec = api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-a", "500"))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[struct {
		Code    string     `json:"code"`
		Details PaymentDTO `json:"details"`
	}](t, rec)
	assert.Equal(t, "duplicate_payment", body.Code)
	assert.Equal(t, first.ID, body.Details.ID)

	rec = api.do(http.MethodGet, "/api/payments?flat_id=flat-a", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]PaymentDTO](t, rec), 1)
}

func TestAPI_RecordPayment_Rejections(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"unknown flat", cashPayment("flat-x", "500"), http.StatusBadRequest, "invalid_flat"},
		{"zero amount", cashPayment("flat-a", "0"), http.StatusBadRequest, "invalid_amount"},
		{"negative amount", cashPayment("flat-a", "-5"), http.StatusBadRequest, "invalid_amount"},
		{"gateway method", map[string]any{"flat_id": "flat-a", "month": 3, "year": 2024, "amount": "500", "method": "gateway"},
			http.StatusBadRequest, "invalid_input"},
		{"unconfigured period", map[string]any{"flat_id": "flat-a", "month": 5, "year": 2024, "amount": "500", "method": "cash"},
			http.StatusBadRequest, "period_not_configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/payments", api.admin, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	rec := api.do(http.MethodGet, "/api/payments", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]PaymentDTO](t, rec))
}

func TestAPI_ListPayments_ResidentScope(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-a", "500")).Code)
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-b", "350")).Code)

	rec := api.do(http.MethodGet, "/api/payments?month=3&year=2024", api.residentA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	own := decodeBody[[]PaymentDTO](t, rec)
	require.Len(t, own, 1)
	assert.Equal(t, "flat-a", own[0].FlatID)

	rec = api.do(http.MethodGet, "/api/payments?flat_id=flat-b", api.residentA, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, "/api/payments?limit=-1", api.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CHECKOUT
// =============================================================================

func TestAPI_Checkout_PollUntilPaid(t *testing.T) {
	// GIVEN: A fake gateway that answers open, then paid
	// WHEN: The resident starts a checkout and polls twice
	// THEN: The first poll asks to retry, the second returns the payment

	api := newTestAPI(t)
	api.checkout.Script = []gateway.RemoteState{gateway.RemoteOpen, gateway.RemotePaid}

	rec := api.do(http.MethodPost, "/api/payments/checkout", api.residentA, map[string]any{
		"flat_id": "flat-a", "month": 3, "year": 2024, "return_url": "https://app.example/dues",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decodeBody[SessionDTO](t, rec)
	assert.Equal(t, "pending", session.Status)
	assert.NotEmpty(t, session.RedirectURL)

	rec = api.do(http.MethodGet, "/api/payments/checkout/"+session.ID, api.residentA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	pending := decodeBody[CheckoutStatusDTO](t, rec)
	assert.Nil(t, pending.Payment)
	assert.Equal(t, int64(1500), pending.RetryAfterMS)

	rec = api.do(http.MethodGet, "/api/payments/checkout/"+session.ID, api.residentA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Retry-After"))
	paid := decodeBody[CheckoutStatusDTO](t, rec)
	assert.Equal(t, "paid", paid.Session.Status)
	require.NotNil(t, paid.Payment)
	assert.Equal(t, "gateway", paid.Payment.Method)
	assert.True(t, dues.NewMoney(500).Equal(paid.Payment.Amount))
}

func TestAPI_Checkout_TimesOut(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/payments/checkout", api.residentA, map[string]any{
		"flat_id": "flat-a", "month": 3, "year": 2024, "return_url": "https://app.example/dues",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[SessionDTO](t, rec).ID

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/payments/checkout/"+id, api.residentA, nil).Code)
	}
	rec = api.do(http.MethodGet, "/api/payments/checkout/"+id, api.residentA, nil)
	require.Equal(t, http.StatusGone, rec.Code, rec.Body.String())
	assert.Equal(t, "gateway_timeout", decodeBody[ErrorResponse](t, rec).Code)

	// Closed sessions answer without calling the gateway again.
	calls := api.checkout.Calls(id)
	rec = api.do(http.MethodGet, "/api/payments/checkout/"+id, api.residentA, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, calls, api.checkout.Calls(id))
}

func TestAPI_Checkout_GatewayUnavailableCarriesRetryHint(t *testing.T) {
	// GIVEN: An open checkout whose next status check fails in transport
	// WHEN: The resident polls it
	// THEN: The 502 response still tells the client when to poll again

	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/payments/checkout", api.residentA, map[string]any{
		"flat_id": "flat-a", "month": 3, "year": 2024, "return_url": "https://app.example/dues",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[SessionDTO](t, rec).ID
	api.checkout.FailNext(id, errors.New("connection reset"))

	rec = api.do(http.MethodGet, "/api/payments/checkout/"+id, api.residentA, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	assert.Equal(t, "gateway_unavailable", decodeBody[ErrorResponse](t, rec).Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestAPI_Checkout_Errors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/payments/checkout/cs_missing", api.residentA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/api/payments/checkout", api.residentA, map[string]any{
		"flat_id": "flat-a", "month": 3, "year": 2024, "return_url": "not a url",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	api.handler.Checkout = nil
	rec = api.do(http.MethodPost, "/api/payments/checkout", api.residentA, map[string]any{
		"flat_id": "flat-a", "month": 3, "year": 2024, "return_url": "https://app.example",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "gateway_not_configured", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// ORDERS
// =============================================================================

func TestAPI_Orders_VerifyAndReplay(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/payments/orders", api.residentA, map[string]any{"flat_id": "flat-a", "month": 3, "year": 2024})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket := decodeBody[OrderTicketDTO](t, rec)
	assert.Equal(t, "key_fake", ticket.GatewayKey)
	assert.True(t, dues.NewMoney(500).Equal(ticket.Amount))

	verify := map[string]string{
		"order_id":   ticket.OrderID,
		"payment_id": "pay_1",
		"signature":  api.orders.Sign(ticket.OrderID, "pay_1"),
	}
	rec = api.do(http.MethodPost, "/api/payments/orders/verify", api.residentA, verify)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[VerifyResultDTO](t, rec)
	assert.False(t, first.AlreadyRecorded)
	require.NotNil(t, first.Payment)

	rec = api.do(http.MethodPost, "/api/payments/orders/verify", api.residentA, verify)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decodeBody[VerifyResultDTO](t, rec)
	assert.True(t, again.AlreadyRecorded)
	assert.Equal(t, first.Payment.ID, again.Payment.ID)
}

func TestAPI_Orders_BadSignatureRejectsOrder(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/payments/orders", api.residentB, map[string]any{"flat_id": "flat-b", "month": 3, "year": 2024})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := decodeBody[OrderTicketDTO](t, rec).OrderID

	rec = api.do(http.MethodPost, "/api/payments/orders/verify", api.residentB, map[string]string{
		"order_id": orderID, "payment_id": "pay_1", "signature": "deadbeef",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "signature_verification_failed", decodeBody[ErrorResponse](t, rec).Code)

	rec = api.do(http.MethodPost, "/api/payments/orders/verify", api.residentB, map[string]string{
		"order_id": orderID, "payment_id": "pay_1", "signature": api.orders.Sign(orderID, "pay_1"),
	})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "order_rejected", decodeBody[ErrorResponse](t, rec).Code)

	rec = api.do(http.MethodGet, "/api/payments?flat_id=flat-b", api.admin, nil)
	assert.Empty(t, decodeBody[[]PaymentDTO](t, rec))
}

// =============================================================================
// WEBHOOKS
// =============================================================================

func TestAPI_RazorpayWebhook(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/payments/orders", api.residentA, map[string]any{"flat_id": "flat-a", "month": 3, "year": 2024})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := decodeBody[OrderTicketDTO](t, rec).OrderID

	body := []byte(`{"entity":"event","event":"payment.captured","contains":["payment"],"payload":{"payment":{"entity":{"id":"pay_w1","order_id":"` +
		orderID + `","status":"captured","amount":50000}}}}`)

	// Bad signature
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "deadbeef")
	bad := httptest.NewRecorder()
	api.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(api.metrics.SignatureFailures.WithLabelValues("razorpay")))

	// Valid signature, no bearer token needed
	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", hmacHex("whsec", body))
	ok := httptest.NewRecorder()
	api.router.ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.JSONEq(t, `{"received":true}`, ok.Body.String())

	rec = api.do(http.MethodGet, "/api/payments?flat_id=flat-a", api.admin, nil)
	payments := decodeBody[[]PaymentDTO](t, rec)
	require.Len(t, payments, 1)
	assert.Equal(t, "system", payments[0].RecordedBy)
}

// =============================================================================
// SEED AND METRICS
// =============================================================================

func TestAPI_Seed(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/dev/seed", api.residentA, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/api/dev/seed", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[SeedResponse](t, rec)
	assert.Equal(t, len(seedFlats), resp.Flats)
	assert.Equal(t, len(seedFlats)-1, resp.Payments)
	assert.Equal(t, "2024-03", resp.Period)

	// Previous period has one flat in arrears, the current period is all pending.
	rec = api.do(http.MethodGet, "/api/dues/summary?month=2&year=2024", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[SummaryDTO](t, rec).PendingCount)

	rec = api.do(http.MethodGet, "/api/dues/summary", api.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[SummaryDTO](t, rec)
	assert.Equal(t, len(seedFlats), current.PendingCount)
	assert.Zero(t, current.PaidCount)
}

func TestAPI_Seed_DisabledWithoutDevRoutes(t *testing.T) {
	api := newTestAPI(t)
	router := NewRouter(api.handler, Options{Tokens: auth.NewTokenService("test-secret", time.Hour)})

	req := httptest.NewRequest(http.MethodPost, "/api/dev/seed", nil)
	req.Header.Set("Authorization", "Bearer "+api.admin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_MetricsMiddleware_UsesRoutePattern(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/payments", api.admin, cashPayment("flat-a", "500")).Code)

	api.do(http.MethodGet, "/api/flats/flat-a", api.admin, nil)
	api.do(http.MethodGet, "/api/flats/flat-b", api.admin, nil)
	api.do(http.MethodGet, "/api/flats/missing", api.admin, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(api.metrics.RequestsTotal.WithLabelValues("GET", "/api/flats/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(api.metrics.RequestsTotal.WithLabelValues("GET", "/api/flats/{id}", "404")))

	rec := api.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dues_payments_recorded_total{method="cash"} 1`)
}
