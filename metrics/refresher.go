/*
refresher.go - Periodic dues gauge refresh

PURPOSE:
  Keeps the pending_flats and outstanding_amount gauges current for the
  billing period containing "now". Counters move with each event, but these
  gauges are a fold over the whole association, so they are recomputed on
  an interval.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Refreshes immediately on start
  - Reads the store directly and folds with dues.Fold, so it needs no
    principal
  - In an unconfigured period every unpaid flat is pending, but only custom
    charges add to the outstanding amount

USAGE:
  r := metrics.NewRefresher(store, collector, logger)
  r.Start()
  // ... later
  r.Stop()
*/
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/dues"
)

// Refresher recomputes the dues gauges.
type Refresher struct {
	Store     dues.Store
	Collector *Collector
	Logger    zerolog.Logger
	Interval  time.Duration
	Now       func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRefresher creates a refresher with a one minute interval.
func NewRefresher(store dues.Store, c *Collector, logger zerolog.Logger) *Refresher {
	return &Refresher{
		Store:     store,
		Collector: c,
		Logger:    logger.With().Str("component", "metrics_refresher").Logger(),
		Interval:  time.Minute,
		Now:       time.Now,
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(r.Interval)
	r.stop = make(chan struct{})
	r.wg.Add(1)

	go r.run()

	r.Logger.Info().Dur("interval", r.Interval).Msg("gauge refresher started")
}

// Stop stops the refresh loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stop)
		r.wg.Wait()
		r.ticker = nil
		r.Logger.Info().Msg("gauge refresher stopped")
	}
}

func (r *Refresher) run() {
	defer r.wg.Done()

	r.refreshLogged()

	for {
		select {
		case <-r.ticker.C:
			r.refreshLogged()
		case <-r.stop:
			return
		}
	}
}

func (r *Refresher) refreshLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		r.Logger.Error().Err(err).Msg("gauge refresh failed")
	}
}

// Refresh recomputes the gauges once.
func (r *Refresher) Refresh(ctx context.Context) error {
	period := dues.PeriodOf(r.Now())

	flats, err := r.Store.ListFlats(ctx)
	if err != nil {
		return err
	}
	bp, err := r.Store.GetBillingPeriod(ctx, period)
	if err != nil {
		return err
	}
	payments, err := r.Store.ListPayments(ctx, dues.PaymentFilter{Period: &period})
	if err != nil {
		return err
	}

	_, summary := dues.Fold(period, flats, bp, payments)
	r.Collector.PendingFlats.Set(float64(summary.PendingCount))
	r.Collector.OutstandingAmount.Set(summary.PendingAmount.InexactFloat64())
	r.Collector.LastRefresh.Set(float64(r.Now().Unix()))

	r.Logger.Debug().
		Str("period", period.String()).
		Int("pending_flats", summary.PendingCount).
		Str("outstanding", summary.PendingAmount.String()).
		Msg("gauges refreshed")
	return nil
}
