package dues

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FlatLedger owns Flat rows.
type FlatLedger struct {
	Store  FlatStore
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewFlatLedger(store FlatStore, logger zerolog.Logger) *FlatLedger {
	return &FlatLedger{
		Store:  store,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new flat. An empty ID is generated.
func (l *FlatLedger) Create(ctx context.Context, f Flat) (*Flat, error) {
	if _, err := RequireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := validateFlat(f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = FlatID(uuid.NewString())
	}
	f.CreatedAt = l.Now()
	if err := l.Store.SaveFlat(ctx, f); err != nil {
		return nil, err
	}
	l.Logger.Info().Str("flat_id", string(f.ID)).Str("flat_number", f.Number).Msg("flat created")
	return &f, nil
}

// Update replaces an existing flat's details.
func (l *FlatLedger) Update(ctx context.Context, f Flat) (*Flat, error) {
	if _, err := RequireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := validateFlat(f); err != nil {
		return nil, err
	}
	existing, err := l.Store.GetFlat(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrFlatNotFound
	}
	f.CreatedAt = existing.CreatedAt
	if err := l.Store.SaveFlat(ctx, f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Get returns a flat the caller may access.
func (l *FlatLedger) Get(ctx context.Context, id FlatID) (*Flat, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	f, err := l.Store.GetFlat(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrFlatNotFound
	}
	if !p.CanAccessFlat(*f) {
		return nil, ErrForbidden
	}
	return f, nil
}

// List returns the flats visible to the caller.
func (l *FlatLedger) List(ctx context.Context) ([]Flat, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	flats, err := l.Store.ListFlats(ctx)
	if err != nil {
		return nil, err
	}
	if p.IsAdmin() || p.IsSystem() {
		return flats, nil
	}
	visible := make([]Flat, 0, 1)
	for _, f := range flats {
		if p.CanAccessFlat(f) {
			visible = append(visible, f)
		}
	}
	return visible, nil
}

func (l *FlatLedger) Delete(ctx context.Context, id FlatID) error {
	if _, err := RequireAdmin(ctx); err != nil {
		return err
	}
	existing, err := l.Store.GetFlat(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrFlatNotFound
	}
	return l.Store.DeleteFlat(ctx, id)
}

func validateFlat(f Flat) error {
	if strings.TrimSpace(f.Number) == "" {
		return &InvalidInputError{Field: "flat_number", Reason: "required"}
	}
	// A zero override would make the flat owe nothing while payments must be positive.
	if f.CustomCharge != nil && !f.CustomCharge.IsPositive() {
		return &InvalidInputError{Field: "custom_charge", Reason: "must be positive when set"}
	}
	return nil
}
