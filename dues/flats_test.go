package dues_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
)

func TestFlatLedger_CreateAndGet(t *testing.T) {
	ledger := dues.NewFlatLedger(store.NewMemory(), zerolog.Nop())

	f, err := ledger.Create(adminCtx, dues.Flat{Number: "A-101", OwnerName: "R. Iyer", Size: "2BHK"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.False(t, f.CreatedAt.IsZero())

	got, err := ledger.Get(ownerA, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "R. Iyer", got.OwnerName)

	_, err = ledger.Get(ownerB, f.ID)
	assert.ErrorIs(t, err, dues.ErrForbidden)

	_, err = ledger.Get(adminCtx, "missing")
	assert.ErrorIs(t, err, dues.ErrFlatNotFound)
	assert.True(t, dues.IsNotFound(err))
}

func TestFlatLedger_DuplicateNumber(t *testing.T) {
	ledger := dues.NewFlatLedger(store.NewMemory(), zerolog.Nop())

	_, err := ledger.Create(adminCtx, dues.Flat{Number: "A-101"})
	require.NoError(t, err)

	_, err = ledger.Create(adminCtx, dues.Flat{Number: "A-101"})
	assert.ErrorIs(t, err, dues.ErrDuplicateFlatNumber)
}

func TestFlatLedger_Validation(t *testing.T) {
	ledger := dues.NewFlatLedger(store.NewMemory(), zerolog.Nop())

	_, err := ledger.Create(adminCtx, dues.Flat{Number: "  "})
	assert.ErrorIs(t, err, dues.ErrInvalidInput)

	zero := money(0)
	_, err = ledger.Create(adminCtx, dues.Flat{Number: "A-101", CustomCharge: &zero})
	assert.ErrorIs(t, err, dues.ErrInvalidInput)

	_, err = ledger.Create(ownerA, dues.Flat{Number: "A-102"})
	assert.ErrorIs(t, err, dues.ErrForbidden)
}

func TestFlatLedger_UpdateKeepsCreatedAt(t *testing.T) {
	ledger := dues.NewFlatLedger(store.NewMemory(), zerolog.Nop())

	f, err := ledger.Create(adminCtx, dues.Flat{Number: "A-101"})
	require.NoError(t, err)

	custom := money(420)
	updated, err := ledger.Update(adminCtx, dues.Flat{ID: f.ID, Number: "A-101", CustomCharge: &custom})
	require.NoError(t, err)
	assert.Equal(t, f.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.HasCustomCharge())

	_, err = ledger.Update(adminCtx, dues.Flat{ID: "missing", Number: "Z-1"})
	assert.ErrorIs(t, err, dues.ErrFlatNotFound)
}

func TestFlatLedger_ListFiltersResidents(t *testing.T) {
	ledger := dues.NewFlatLedger(seedAssociation(t), zerolog.Nop())

	all, err := ledger.List(adminCtx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := ledger.List(ownerA)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "A-101", own[0].Number)
}

func TestFlatLedger_DeleteRejectedWhilePaymentsExist(t *testing.T) {
	// GIVEN: A has a recorded payment and B has none
	// WHEN: Deleting both
	// THEN: A is kept with ErrFlatHasPayments; B is removed

	mem := seedAssociation(t)
	ledger := dues.NewFlatLedger(mem, zerolog.Nop())
	rec := dues.NewRecorder(mem, zerolog.Nop())

	_, err := rec.Record(adminCtx, cash("flat-a", march2024, 500))
	require.NoError(t, err)

	err = ledger.Delete(adminCtx, "flat-a")
	assert.ErrorIs(t, err, dues.ErrFlatHasPayments)

	require.NoError(t, ledger.Delete(adminCtx, "flat-b"))
	f, err := mem.GetFlat(context.Background(), "flat-b")
	require.NoError(t, err)
	assert.Nil(t, f)

	assert.ErrorIs(t, ledger.Delete(adminCtx, "flat-b"), dues.ErrFlatNotFound)
}
