// Package metrics exposes Prometheus instrumentation for the API client and
// the socket manager. A nil *Metrics is valid and records nothing, so
// instrumented code never has to check whether metrics are enabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "invoicedesk"

// Metrics owns a private registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	socketEvents    *prometheus.CounterVec
	socketReconnect prometheus.Counter
	socketConnected prometheus.Gauge
	bulkOutcomes    *prometheus.CounterVec
}

// New creates a Metrics with Go runtime and process collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Backend API requests by operation and HTTP status (0 for transport failures).",
		}, []string{"op", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Backend API request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		socketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "events_total",
			Help:      "Server-pushed socket events by kind.",
		}, []string{"kind"}),
		socketReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts after an unexpected disconnect.",
		}),
		socketConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "connected",
			Help:      "1 while the socket namespace is connected.",
		}),
		bulkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "bulk_outcomes_total",
			Help:      "Per-invoice outcomes of bulk actions.",
		}, []string{"action", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests,
		m.apiDuration,
		m.cacheLookups,
		m.socketEvents,
		m.socketReconnect,
		m.socketConnected,
		m.bulkOutcomes,
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
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one API call.
func (m *Metrics) ObserveRequest(op string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// CacheHit records a cache lookup result.
func (m *Metrics) CacheHit(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SocketEvent records one dispatched event.
func (m *Metrics) SocketEvent(kind string) {
	if m == nil {
		return
	}
	m.socketEvents.WithLabelValues(kind).Inc()
}

// SocketReconnectAttempt records one automatic reconnection attempt.
func (m *Metrics) SocketReconnectAttempt() {
	if m == nil {
		return
	}
	m.socketReconnect.Inc()
}

// SocketConnected sets the connection gauge.
func (m *Metrics) SocketConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.socketConnected.Set(1)
	} else {
		m.socketConnected.Set(0)
	}
}

// BulkOutcome records the result of one invoice in a bulk action.
func (m *Metrics) BulkOutcome(action string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	m.bulkOutcomes.WithLabelValues(action, outcome).Inc()
}
