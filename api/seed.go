/*
seed.go - Demo association loader

PURPOSE:
  Populates the store with a small, realistic association so the dashboard
  and gateway flows can be demonstrated without manual setup.

HOW THE SEED WORKS:
 1. Reset the store (clear all data)
 2. Create flats, two of them with a custom charge
 3. Configure the previous and the current billing period
 4. Record cash/check payments for most flats in the previous period
 5. Leave the current period unpaid

Every write goes through the core, so the seed obeys the same validation
and uniqueness rules as live traffic.

USAGE VIA API:

	POST /api/dev/seed       (admin token, dev routes enabled)

NOTE:

	The seed resets the database. Only use in development/demo environments.

SEE ALSO:
  - server.go: registers the route only when dev routes are enabled
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/warp/dues-engine/dues"
)

type seedFlat struct {
	number, owner, email, size string
	custom                     string
}

var seedFlats = []seedFlat{
	{"A-101", "Asha Rao", "asha@example.com", "2BHK", ""},
	{"A-102", "Vikram Shah", "vikram@example.com", "3BHK", "3500"},
	{"B-201", "Meera Iyer", "meera@example.com", "2BHK", ""},
	{"B-202", "Rahul Menon", "rahul@example.com", "1BHK", "1800"},
	{"C-301", "Farah Khan", "farah@example.com", "2BHK", ""},
}

// Seed resets the store and loads the demo association.
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := dues.RequireAdmin(ctx); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", "not_supported", nil)
		return
	}

	if err := h.Reset(ctx); err != nil {
		h.writeErr(w, r, err)
		return
	}

	resp, err := h.seed(ctx)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	h.Logger.Info().
		Int("flats", resp.Flats).
		Int("payments", resp.Payments).
		Str("period", resp.Period).
		Msg("demo association seeded")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) seed(ctx context.Context) (*SeedResponse, error) {
	now := h.Now()
	current := dues.PeriodOf(now)
	previous := dues.PeriodOf(time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC))

	flats := make([]*dues.Flat, 0, len(seedFlats))
	for _, sf := range seedFlats {
		f := dues.Flat{
			Number:     sf.number,
			OwnerName:  sf.owner,
			OwnerEmail: sf.email,
			Size:       sf.size,
		}
		if sf.custom != "" {
			charge := dues.MustParseMoney(sf.custom)
			f.CustomCharge = &charge
		}
		created, err := h.Flats.Create(ctx, f)
		if err != nil {
			return nil, err
		}
		flats = append(flats, created)
	}

	for _, p := range []dues.Period{previous, current} {
		_, err := h.Registry.Configure(ctx, dues.BillingPeriod{
			Period:     p,
			BaseCharge: dues.NewMoney(2500),
			Breakdown: dues.Breakdown{
				"security":    dues.NewMoney(1000),
				"maintenance": dues.NewMoney(800),
				"utilities":   dues.NewMoney(500),
				"sinking":     dues.NewMoney(200),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	// Last flat stays in arrears for the previous period.
	payments := 0
	for i, f := range flats[:len(flats)-1] {
		amount, _ := dues.AmountDue(*f, &dues.BillingPeriod{BaseCharge: dues.NewMoney(2500)})
		method := dues.MethodCash
		if i%2 == 1 {
			method = dues.MethodCheck
		}
		if _, err := h.Recorder.Record(ctx, dues.PaymentIntent{
			FlatID: f.ID,
			Period: previous,
			Amount: amount,
			Method: method,
		}); err != nil {
			return nil, err
		}
		payments++
	}

	return &SeedResponse{
		Flats:    len(flats),
		Period:   current.String(),
		Payments: payments,
	}, nil
}
