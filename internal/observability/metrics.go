package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeAcked    = "acked"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeRequeued = "requeued"
)

type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	processing      *prometheus.HistogramVec
	skippedItems    prometheus.Counter
	reconnects      prometheus.Counter
	busConnected    prometheus.Gauge
	outboxPublished *prometheus.CounterVec
	outboxPending   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_messages_total",
			Help: "Order events handled, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconciler_processing_seconds",
			Help:    "Time spent handling one order event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		skippedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_restore_skipped_items_total",
			Help: "Line items skipped during restoration because the SKU is unknown.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Broker sessions re-established after a connection loss.",
		}),
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_connected",
			Help: "1 while a broker session is active.",
		}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox messages relayed, by result.",
		}, []string{"result"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Outbox messages waiting to be relayed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.processing,
		m.skippedItems,
		m.reconnects,
		m.busConnected,
		m.outboxPublished,
		m.outboxPending,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveMessage(queue, outcome string, elapsed time.Duration) {
	m.messages.WithLabelValues(queue, outcome).Inc()
	m.processing.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) SkippedItem() { m.skippedItems.Inc() }

func (m *Metrics) Reconnected() { m.reconnects.Inc() }

func (m *Metrics) SetBusConnected(up bool) {
	if up {
		m.busConnected.Set(1)
		return
	}
	m.busConnected.Set(0)
}

func (m *Metrics) OutboxPublished(ok bool) {
	if ok {
		m.outboxPublished.WithLabelValues("sent").Inc()
		return
	}
	m.outboxPublished.WithLabelValues("failed").Inc()
}

func (m *Metrics) SetOutboxPending(n int64) { m.outboxPending.Set(float64(n)) }
