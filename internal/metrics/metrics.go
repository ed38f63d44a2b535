package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheikh-saqib/fablab-ledger/internal/models"
)

// Settlement outcomes used as the "outcome" label.
const (
	OutcomeOpen     = "open"
	OutcomeClosed   = "closed"
	OutcomeNoop     = "noop"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)

// Collector holds the ledger's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	bookingsTotal      *prometheus.CounterVec
	bookedAmount       *prometheus.CounterVec
	paymentsTotal      *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	settlementDuration prometheus.Histogram
	publishFailures    *prometheus.CounterVec
	serviceInfo        *prometheus.GaugeVec
}

// NewCollector creates the collector on its own registry, so several
// instances can live in one process.
func NewCollector(serviceName, version string) *Collector {
	prefix := strings.ReplaceAll(serviceName, "-", "_")

	c := &Collector{registry: prometheus.NewRegistry()}

	c.bookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_bookings_total",
			Help: "Bookings posted, by journal and purpose",
		},
		[]string{"account", "purpose"},
	)
	c.bookedAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_booked_amount_total",
			Help: "Absolute amount posted, by journal",
		},
		[]string{"account"},
	)
	c.paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_payments_total",
			Help: "Payments recorded, by payment method",
		},
		[]string{"method"},
	)
	c.settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_settlements_total",
			Help: "Settlement runs, by outcome",
		},
		[]string{"outcome"},
	)
	c.settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_settlement_duration_seconds",
			Help:    "Duration of settlement transactions",
			Buckets: prometheus.DefBuckets,
		},
	)
	c.publishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_event_publish_failures_total",
			Help: "Events that could not be published, by topic",
		},
		[]string{"topic"},
	)
	c.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_service_info",
			Help: "Service information",
		},
		[]string{"version"},
	)

	c.registry.MustRegister(
		c.bookingsTotal,
		c.bookedAmount,
		c.paymentsTotal,
		c.settlementsTotal,
		c.settlementDuration,
		c.publishFailures,
		c.serviceInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.serviceInfo.WithLabelValues(version).Set(1)
	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveBooking(b models.Booking) {
	if c == nil {
		return
	}
	c.bookingsTotal.WithLabelValues(b.Account, string(b.Purpose)).Inc()
	amount, _ := b.Amount.Abs().Float64()
	c.bookedAmount.WithLabelValues(b.Account).Add(amount)
}

func (c *Collector) ObservePayment(p models.Payment) {
	if c == nil {
		return
	}
	method := p.Method.ShortName
	if method == "" {
		method = "unknown"
	}
	c.paymentsTotal.WithLabelValues(method).Inc()
}

func (c *Collector) ObserveSettlement(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.settlementsTotal.WithLabelValues(outcome).Inc()
	c.settlementDuration.Observe(took.Seconds())
}

func (c *Collector) ObservePublishFailure(topic string) {
	if c == nil {
		return
	}
	c.publishFailures.WithLabelValues(topic).Inc()
}
