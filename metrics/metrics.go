// Package metrics provides Prometheus metrics for the dues engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/gateway"
)

const namespace = "dues"

// Collector holds all Prometheus metrics for the engine. It is the
// Observer for both the recorder and the gateway adapters.
type Collector struct {
	// Ledger metrics
	PaymentsRecorded  *prometheus.CounterVec
	AmountCollected   *prometheus.CounterVec
	DuplicatePayments *prometheus.CounterVec

	// Gateway metrics
	SessionsOpened    *prometheus.CounterVec
	SessionsClosed    *prometheus.CounterVec
	SignatureFailures *prometheus.CounterVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Dues gauges, refreshed by Refresher
	PendingFlats      prometheus.Gauge
	OutstandingAmount prometheus.Gauge
	LastRefresh       prometheus.Gauge

	gatherer prometheus.Gatherer
}

var (
	_ dues.Observer    = (*Collector)(nil)
	_ gateway.Observer = (*Collector)(nil)
)

// New creates a collector on a private registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector registered on reg.
// Useful for testing to avoid global state.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		PaymentsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_recorded_total",
				Help:      "Payments committed to the ledger",
			},
			[]string{"method"},
		),
		AmountCollected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "amount_collected_total",
				Help:      "Sum of committed payment amounts in currency units",
			},
			[]string{"method"},
		),
		DuplicatePayments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_payments_total",
				Help:      "Payments refused because the period was already settled",
			},
			[]string{"method"},
		),

		SessionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_sessions_opened_total",
				Help:      "Gateway checkout sessions and orders created",
			},
			[]string{"provider", "kind"},
		),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_sessions_closed_total",
				Help:      "Gateway sessions reaching a terminal status",
			},
			[]string{"provider", "status"},
		),
		SignatureFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signature_failures_total",
				Help:      "Callbacks and webhooks whose signature did not verify",
			},
			[]string{"provider"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),

		PendingFlats: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_flats",
				Help:      "Flats that have not paid the current period",
			},
		),
		OutstandingAmount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outstanding_amount",
				Help:      "Amount still owed for the current period",
			},
		),
		LastRefresh: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gauges_last_refresh_timestamp",
				Help:      "Unix timestamp of the last successful gauge refresh",
			},
		),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) PaymentRecorded(p dues.Payment) {
	c.PaymentsRecorded.WithLabelValues(string(p.Method)).Inc()
	c.AmountCollected.WithLabelValues(string(p.Method)).Add(p.Amount.InexactFloat64())
}

func (c *Collector) DuplicatePayment(method dues.Method) {
	c.DuplicatePayments.WithLabelValues(string(method)).Inc()
}

func (c *Collector) SessionOpened(provider string, kind gateway.Kind) {
	c.SessionsOpened.WithLabelValues(provider, string(kind)).Inc()
}

func (c *Collector) SessionClosed(provider string, status gateway.SessionStatus) {
	c.SessionsClosed.WithLabelValues(provider, string(status)).Inc()
}

func (c *Collector) SignatureFailed(provider string) {
	c.SignatureFailures.WithLabelValues(provider).Inc()
}
