package dues_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func cash(flat dues.FlatID, p dues.Period, amount int64) dues.PaymentIntent {
	return dues.PaymentIntent{FlatID: flat, Period: p, Amount: money(amount), Method: dues.MethodCash}
}

// =============================================================================
// UNIQUENESS INVARIANT TESTS
// =============================================================================

func TestRecorder_DuplicatePayment_Rejected(t *testing.T) {
	// GIVEN: A paid March 2024 in cash
	// WHEN: The same payment is recorded again
	// THEN: DuplicatePaymentError carries the first payment; one row exists

	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())
	rec.Now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }

	first, err := rec.Record(adminCtx, cash("flat-a", march2024, 500))
	require.NoError(t, err)
	assert.Equal(t, dues.StatusPaid, first.Status)
	assert.True(t, strings.HasPrefix(first.ReceiptNumber, "RCPT-202403-"))
	assert.Equal(t, "A-101", first.FlatNumber)
	assert.Equal(t, "admin-1", first.RecordedBy)
	assert.Equal(t, 2024, first.PaidAt.Year())

	_, err = rec.Record(adminCtx, cash("flat-a", march2024, 500))
	assert.ErrorIs(t, err, dues.ErrDuplicatePayment)
	var dup *dues.DuplicatePaymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.Existing.ID)

	all, err := mem.ListPayments(context.Background(), dues.PaymentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecorder_DuplicateAcrossMethods(t *testing.T) {
	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())

	_, err := rec.Record(adminCtx, cash("flat-a", march2024, 500))
	require.NoError(t, err)

	_, err = rec.Record(ownerA, dues.PaymentIntent{FlatID: "flat-a", Period: march2024, Amount: money(500), Method: dues.MethodGateway})
	assert.ErrorIs(t, err, dues.ErrDuplicatePayment)
}

func TestRecorder_ConcurrentRecords_OneWins(t *testing.T) {
	// GIVEN: Twenty callers racing to pay A for March 2024
	// WHEN: All record at once
	// THEN: Exactly one succeeds; every other caller sees DuplicatePayment

	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rec.Record(adminCtx, cash("flat-a", march2024, 500))
		}(i)
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, dues.ErrDuplicatePayment):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, dup)

	all, err := mem.ListPayments(context.Background(), dues.PaymentFilter{FlatID: "flat-a"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// VALIDATION AND AUTHORIZATION
// =============================================================================

func TestRecorder_InvalidInput(t *testing.T) {
	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())

	cases := []struct {
		name string
		in   dues.PaymentIntent
		want error
	}{
		{"unknown flat", cash("flat-z", march2024, 500), dues.ErrInvalidFlat},
		{"empty flat", cash("", march2024, 500), dues.ErrInvalidFlat},
		{"zero amount", cash("flat-a", march2024, 0), dues.ErrInvalidAmount},
		{"negative amount", cash("flat-a", march2024, -5), dues.ErrInvalidAmount},
		{"bad month", cash("flat-a", dues.Period{Month: 13, Year: 2024}, 500), dues.ErrInvalidInput},
		{"unknown method", dues.PaymentIntent{FlatID: "flat-a", Period: march2024, Amount: money(500), Method: "barter"}, dues.ErrInvalidInput},
		{"unconfigured period", cash("flat-a", april2024, 500), dues.ErrPeriodNotConfigured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rec.Record(adminCtx, tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, dues.IsClientError(err))
		})
	}

	all, err := mem.ListPayments(context.Background(), dues.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "no row appears on any error path")
}

func TestRecorder_UnconfiguredPeriodAllowedByPolicy(t *testing.T) {
	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())
	rec.RequireConfiguredPeriod = false

	_, err := rec.Record(adminCtx, cash("flat-a", april2024, 500))
	assert.NoError(t, err)
}

func TestRecorder_Authorization(t *testing.T) {
	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())

	_, err := rec.Record(context.Background(), cash("flat-a", march2024, 500))
	assert.ErrorIs(t, err, dues.ErrUnauthenticated)

	_, err = rec.Record(ownerA, cash("flat-a", march2024, 500))
	assert.ErrorIs(t, err, dues.ErrForbidden, "residents cannot record manual payments")

	gw := dues.PaymentIntent{FlatID: "flat-a", Period: march2024, Amount: money(500), Method: dues.MethodGateway}
	_, err = rec.Record(ownerB, gw)
	assert.ErrorIs(t, err, dues.ErrForbidden, "residents pay only for their own flat")

	p, err := rec.Record(ownerA, gw)
	require.NoError(t, err)
	assert.Equal(t, "res-a", p.RecordedBy)
}

// =============================================================================
// RECEIPTS
// =============================================================================

type scriptedReceipts struct {
	mu   sync.Mutex
	next []string
}

func (s *scriptedReceipts) Next(dues.Period) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.next[0]
	s.next = s.next[1:]
	return r
}

func TestRecorder_RetriesReceiptCollision(t *testing.T) {
	// GIVEN: The receipt generator repeats a number once
	// WHEN: Recording a second flat's payment
	// THEN: The recorder draws again and commits with a fresh receipt

	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())
	rec.Receipts = &scriptedReceipts{next: []string{"RCPT-1", "RCPT-1", "RCPT-2"}}

	_, err := rec.Record(adminCtx, cash("flat-a", march2024, 500))
	require.NoError(t, err)

	p, err := rec.Record(adminCtx, cash("flat-b", march2024, 350))
	require.NoError(t, err)
	assert.Equal(t, "RCPT-2", p.ReceiptNumber)
}

func TestRandomReceipts_Format(t *testing.T) {
	r := dues.RandomReceipts{}.Next(march2024)
	assert.Regexp(t, `^RCPT-202403-[0-9A-F]{8}$`, r)
	assert.NotEqual(t, r, dues.RandomReceipts{}.Next(march2024))
}

// =============================================================================
// OBSERVER
// =============================================================================

type countingObserver struct {
	mu         sync.Mutex
	recorded   int
	duplicates int
}

func (o *countingObserver) PaymentRecorded(dues.Payment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded++
}

func (o *countingObserver) DuplicatePayment(dues.Method) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates++
}

func TestRecorder_NotifiesObserver(t *testing.T) {
	mem := seedAssociation(t)
	rec := dues.NewRecorder(mem, zerolog.Nop())
	obs := &countingObserver{}
	rec.Observer = obs

	_, err := rec.Record(adminCtx, cash("flat-a", march2024, 500))
	require.NoError(t, err)
	_, err = rec.Record(adminCtx, cash("flat-a", march2024, 500))
	require.Error(t, err)

	assert.Equal(t, 1, obs.recorded)
	assert.Equal(t, 1, obs.duplicates)
}
