package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssargent/reactivedb/pkg/datastore"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds every Prometheus metric the admin surface exposes:
// HTTP metrics for the admin routes themselves, relabeled from the
// teacher's KV-operation metrics to cascade/transform metrics for the
// reactive datastore's Insert/Delete events.
type Metrics struct {
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec

	cascadeEventsTotal *prometheus.CounterVec
	tablesTotal        prometheus.Gauge
}

// NewMetrics creates and registers every metric.
func NewMetrics() *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactivedb_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reactivedb_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reactivedb_http_requests_in_flight",
				Help: "Number of admin HTTP requests currently being processed",
			},
			[]string{"method", "endpoint"},
		),
		cascadeEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactivedb_cascade_events_total",
				Help: "Total number of Insert/Delete events emitted by the datastore, per table",
			},
			[]string{"table", "event"},
		),
		tablesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reactivedb_tables_total",
				Help: "Number of tables currently registered with the datastore",
			},
		),
	}
}

// Attach subscribes m to ds's event feed so every cascade step this
// datastore runs is counted, and returns the unsubscribe func.
func (m *Metrics) Attach(ds *datastore.Datastore) func() {
	return ds.Subscribe(func(ev datastore.Event) {
		m.cascadeEventsTotal.WithLabelValues(ev.Table, string(ev.Kind)).Inc()
	})
}

// RecordHTTPRequest records one completed admin HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	statusCodeStr := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCodeStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// UpdateTablesTotal sets the tablesTotal gauge to n.
func (m *Metrics) UpdateTablesTotal(n int) {
	m.tablesTotal.Set(float64(n))
}

// InstrumentHandler wraps handler with in-flight tracking, response
// status capture, and duration/count recording.
func (m *Metrics) InstrumentHandler(method, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		gauge := m.httpRequestsInFlight.WithLabelValues(method, endpoint)
		gauge.Inc()
		defer gauge.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(rw, r)

		m.RecordHTTPRequest(method, endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
