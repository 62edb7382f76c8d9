package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the API server.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Broker metrics.
var (
	leaseAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_acquisitions_total",
			Help: "Credential lease acquisitions by outcome.",
		},
		[]string{"role", "status"},
	)

	leaseRevocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_revocations_total",
			Help: "Credential lease revocations by outcome.",
		},
		[]string{"status"},
	)

	brokerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_runs_total",
			Help: "Broker transactions by backend kind and outcome.",
		},
		[]string{"backend", "status"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_operation_duration_seconds",
			Help:    "Per-operation execution latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)

	ticketReveals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_reveals_total",
			Help: "Disclosure ticket reveal attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		leaseAcquisitions, leaseRevocations, brokerRuns,
		operationDuration, ticketReveals,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLeaseAcquire counts one acquire attempt per role.
func ObserveLeaseAcquire(role, status string) {
	leaseAcquisitions.WithLabelValues(role, status).Inc()
}

// ObserveLeaseRevoke counts one revocation attempt.
func ObserveLeaseRevoke(status string) {
	leaseRevocations.WithLabelValues(status).Inc()
}

// ObserveBrokerRun counts one completed broker transaction.
func ObserveBrokerRun(backend, status string) {
	brokerRuns.WithLabelValues(backend, status).Inc()
}

// ObserveOperation records one backend operation's latency.
func ObserveOperation(backend, status string, d time.Duration) {
	operationDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

// ObserveReveal counts one ticket reveal attempt.
func ObserveReveal(outcome string) {
	ticketReveals.WithLabelValues(outcome).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-ticket paths so metric cardinality stays bounded.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "tickets" && parts[3] != "" {
		return "/v1/tickets/:id"
	}
	return p
}

// statusWriter records the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
