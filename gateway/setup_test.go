package gateway_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/gateway"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	march2024 = dues.Period{Month: 3, Year: 2024}
	april2024 = dues.Period{Month: 4, Year: 2024} // never configured
)

type fixture struct {
	store    *store.Memory
	calc     *dues.Calculator
	recorder *dues.Recorder
	observer *recordingObserver

	admin  context.Context
	ownerA context.Context // resident of A-101
	ownerB context.Context // resident of B-202
}

// newFixture seeds two flats (A-101 on the base charge, B-202 with a custom
// charge of 350) and March 2024 with a base charge of 500.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	custom := dues.NewMoney(350)
	require.NoError(t, mem.SaveFlat(ctx, dues.Flat{ID: "flat-a", Number: "A-101"}))
	require.NoError(t, mem.SaveFlat(ctx, dues.Flat{ID: "flat-b", Number: "B-202", CustomCharge: &custom}))
	require.NoError(t, mem.SaveBillingPeriod(ctx, dues.BillingPeriod{Period: march2024, BaseCharge: dues.NewMoney(500)}))

	return &fixture{
		store:    mem,
		calc:     dues.NewCalculator(mem),
		recorder: dues.NewRecorder(mem, zerolog.Nop()),
		observer: &recordingObserver{},
		admin:    dues.WithPrincipal(ctx, dues.Principal{ID: "admin-1", Role: dues.RoleAdmin}),
		ownerA:   dues.WithPrincipal(ctx, dues.Principal{ID: "res-a", Role: dues.RoleResident, FlatNumber: "A-101"}),
		ownerB:   dues.WithPrincipal(ctx, dues.Principal{ID: "res-b", Role: dues.RoleResident, FlatNumber: "B-202"}),
	}
}

func (f *fixture) checkout(gw gateway.CheckoutGateway) *gateway.Checkout {
	c := gateway.NewCheckout(gw, f.store, f.calc, f.recorder, zerolog.Nop())
	c.Observer = f.observer
	return c
}

func (f *fixture) orders(gw gateway.OrderGateway) *gateway.Orders {
	o := gateway.NewOrders(gw, f.store, f.calc, f.recorder, zerolog.Nop())
	o.Observer = f.observer
	return o
}

func (f *fixture) payments(t *testing.T) []dues.Payment {
	t.Helper()
	ps, err := f.store.ListPayments(context.Background(), dues.PaymentFilter{})
	require.NoError(t, err)
	return ps
}

type recordingObserver struct {
	mu         sync.Mutex
	opened     int
	closed     []gateway.SessionStatus
	sigFailure int
}

func (o *recordingObserver) SessionOpened(string, gateway.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *recordingObserver) SessionClosed(_ string, s gateway.SessionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, s)
}

func (o *recordingObserver) SignatureFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sigFailure++
}

func (o *recordingObserver) signatureFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sigFailure
}
