package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// =============================================================================
// FAKES - scriptable gateways for tests and local development
// =============================================================================

// FakeCheckout is a CheckoutGateway whose status answers are scripted.
// Once the script is exhausted every status check reports RemoteOpen.
type FakeCheckout struct {
	mu      sync.Mutex
	scripts map[string][]RemoteState
	errs    map[string][]error
	calls   map[string]int

	// Script applies to sessions created after it is set.
	Script []RemoteState
	// CreateErr fails CreateCheckoutSession when set.
	CreateErr error
}

func NewFakeCheckout(script ...RemoteState) *FakeCheckout {
	return &FakeCheckout{
		scripts: make(map[string][]RemoteState),
		errs:    make(map[string][]error),
		calls:   make(map[string]int),
		Script:  script,
	}
}

func (f *FakeCheckout) Name() string     { return "fake-checkout" }
func (f *FakeCheckout) Currency() string { return "inr" }

func (f *FakeCheckout) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*HostedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	id := "cs_" + uuid.NewString()
	f.scripts[id] = append([]RemoteState(nil), f.Script...)
	return &HostedSession{ID: id, URL: "https://checkout.example/" + id + "?return=" + req.ReturnURL}, nil
}

// FailNext makes the next status check of id fail with err.
func (f *FakeCheckout) FailNext(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = append(f.errs[id], err)
}

// SetScript replaces the remaining answers for id.
func (f *FakeCheckout) SetScript(id string, script ...RemoteState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = script
}

func (f *FakeCheckout) CheckoutStatus(_ context.Context, id string) (*RemoteCheckout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if errs := f.errs[id]; len(errs) > 0 {
		f.errs[id] = errs[1:]
		return nil, errs[0]
	}
	state := RemoteOpen
	if script := f.scripts[id]; len(script) > 0 {
		state = script[0]
		f.scripts[id] = script[1:]
	}
	rc := &RemoteCheckout{State: state}
	if state == RemotePaid {
		rc.PaymentRef = "pi_" + id
	}
	return rc, nil
}

// Calls returns how many status checks reached the gateway for id.
func (f *FakeCheckout) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// FakeOrders is an OrderGateway signing with a known secret.
type FakeOrders struct {
	Secret    string
	CreateErr error

	mu  sync.Mutex
	seq int
}

func NewFakeOrders(secret string) *FakeOrders {
	return &FakeOrders{Secret: secret}
}

func (f *FakeOrders) Name() string     { return "fake-orders" }
func (f *FakeOrders) KeyID() string    { return "key_fake" }
func (f *FakeOrders) Currency() string { return "INR" }

func (f *FakeOrders) CreateOrder(_ context.Context, req OrderRequest) (*RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	return &RemoteOrder{
		ID:       fmt.Sprintf("order_%04d", f.seq),
		Amount:   req.Amount,
		Currency: f.Currency(),
	}, nil
}

func (f *FakeOrders) VerifyPayment(orderID, paymentID, signature string) bool {
	return ValidSignature(f.Secret, []byte(orderID+"|"+paymentID), signature)
}

// Sign returns the signature the gateway would hand the client.
func (f *FakeOrders) Sign(orderID, paymentID string) string {
	return PaymentSignature(f.Secret, orderID, paymentID)
}
