// Package metrics exposes Prometheus collectors for the formation engine and
// the event pipeline. All methods are safe on a nil *Metrics so components
// can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	lockWait        prometheus.Histogram
	groupsConfirmed prometheus.Counter
	groupsClosed    *prometheus.CounterVec
	reassignments   prometheus.Counter
	refunds         prometheus.Counter
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	eventQueueDepth prometheus.Gauge
	archived        prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupbuy_engine_operations_total",
			Help: "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupbuy_engine_operation_seconds",
			Help:    "Engine operation latency including lock wait.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "groupbuy_engine_lock_wait_seconds",
			Help:    "Time spent waiting for the per-product lock.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		groupsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupbuy_groups_confirmed_total",
			Help: "Number of group buys that reached quorum.",
		}),
		groupsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupbuy_groups_closed_total",
			Help: "Number of group buys expired or cancelled.",
		}, []string{"state"}),
		reassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupbuy_participants_reassigned_total",
			Help: "Number of participants moved between group buys.",
		}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupbuy_participants_refunded_total",
			Help: "Number of paid deposits marked for refund.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupbuy_events_published_total",
			Help: "Event deliveries by publisher and outcome.",
		}, []string{"publisher", "outcome"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupbuy_events_dropped_total",
			Help: "Events dropped because the dispatch queue was full.",
		}),
		eventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groupbuy_event_queue_depth",
			Help: "Events waiting for dispatch.",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupbuy_groups_archived_total",
			Help: "Number of terminal group buys moved to cold storage.",
		}),
	}
	m.registry.MustRegister(
		m.operations,
		m.opDuration,
		m.lockWait,
		m.groupsConfirmed,
		m.groupsClosed,
		m.reassignments,
		m.refunds,
		m.eventsPublished,
		m.eventsDropped,
		m.eventQueueDepth,
		m.archived,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) GroupConfirmed() {
	if m == nil {
		return
	}
	m.groupsConfirmed.Inc()
}

func (m *Metrics) GroupClosed(state string) {
	if m == nil {
		return
	}
	m.groupsClosed.WithLabelValues(state).Inc()
}

func (m *Metrics) Reassigned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reassignments.Add(float64(n))
}

func (m *Metrics) Refunded() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

func (m *Metrics) EventPublished(publisher, outcome string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(publisher, outcome).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetEventQueueDepth(n int) {
	if m == nil {
		return
	}
	m.eventQueueDepth.Set(float64(n))
}

func (m *Metrics) Archived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.archived.Add(float64(n))
}
