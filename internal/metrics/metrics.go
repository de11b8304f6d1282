// Package metrics holds the Prometheus instrumentation for the
// replication engine. A standalone registry keeps the surface explicit and
// testable; the /metrics endpoint serves it via Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine reports into.
type Metrics struct {
	registry *prometheus.Registry

	BatchesTotal    *prometheus.CounterVec
	BatchItemsTotal *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec

	RepositoriesByStatus *prometheus.GaugeVec

	EventsPublishedTotal *prometheus.CounterVec
	StreamSubscribers    prometheus.Gauge

	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all engine metrics on a standalone registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgesync",
				Subsystem: "batch",
				Name:      "jobs_total",
				Help:      "Total number of batch jobs, by type and terminal result.",
			},
			[]string{"type", "result"},
		),
		BatchItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgesync",
				Subsystem: "batch",
				Name:      "items_total",
				Help:      "Total number of processed batch items, by type and result.",
			},
			[]string{"type", "result"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgesync",
				Subsystem: "batch",
				Name:      "duration_seconds",
				Help:      "Wall time of completed batch jobs in seconds.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"type"},
		),

		RepositoriesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "forgesync",
				Name:      "repositories",
				Help:      "Tracked repositories by lifecycle status.",
			},
			[]string{"status"},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgesync",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of durable events published, by channel.",
			},
			[]string{"channel"},
		),
		StreamSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "forgesync",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Currently connected SSE and WebSocket subscribers.",
			},
		),

		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgesync",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route pattern and status code.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"method", "route", "status"},
		),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.BatchItemsTotal,
		m.BatchDuration,
		m.RepositoriesByStatus,
		m.EventsPublishedTotal,
		m.StreamSubscribers,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns an http.Handler that serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestDuration.
		WithLabelValues(method, route, strconv.Itoa(status)).
		Observe(elapsed.Seconds())
}
