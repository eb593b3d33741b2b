// Package metrics provides Prometheus metrics for the session store service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	// Store metrics
	StoreMutationsTotal *prometheus.CounterVec
	StoreSessions       prometheus.Gauge
	StoreMessages       prometheus.Gauge
	StoreSubscribers    prometheus.Gauge

	// Persistence metrics
	PersistWritesTotal     *prometheus.CounterVec
	PersistWriteDuration   prometheus.Histogram
	PersistSupersededTotal prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.StoreMutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatshell_store_mutations_total",
			Help: "Total number of committed store mutations",
		},
		[]string{"operation"},
	)
	m.StoreSessions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatshell_store_sessions",
		Help: "Number of sessions in the store",
	})
	m.StoreMessages = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatshell_store_messages",
		Help: "Number of messages in the loaded conversation",
	})
	m.StoreSubscribers = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatshell_store_subscribers",
		Help: "Number of active store subscribers",
	})

	m.PersistWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatshell_persist_writes_total",
			Help: "Total number of persistence slot writes",
		},
		[]string{"status"},
	)
	m.PersistWriteDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatshell_persist_write_duration_seconds",
		Help:    "Duration of persistence slot writes in seconds",
		Buckets: prometheus.DefBuckets,
	})
	m.PersistSupersededTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "chatshell_persist_superseded_total",
		Help: "Scheduled writes replaced by a newer state before being written",
	})

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatshell_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatshell_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return m
}

// RecordMutation records a committed store mutation and the resulting collection sizes.
func (m *Metrics) RecordMutation(operation string, sessions, messages int) {
	if m == nil {
		return
	}
	m.StoreMutationsTotal.WithLabelValues(operation).Inc()
	m.StoreSessions.Set(float64(sessions))
	m.StoreMessages.Set(float64(messages))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.StoreSubscribers.Set(float64(n))
}

// RecordPersistWrite records a persistence write attempt.
func (m *Metrics) RecordPersistWrite(duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PersistWritesTotal.WithLabelValues(status).Inc()
	m.PersistWriteDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordPersistSuperseded() {
	if m == nil {
		return
	}
	m.PersistSupersededTotal.Inc()
}

// RecordHTTPRequest records a served request. route is the matched pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
