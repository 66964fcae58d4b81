package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by all endpoints.
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

// Consent protocol metrics.
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_tokens_issued_total",
			Help: "Consent tokens handed out, by mode (minted or reused).",
		},
		[]string{"mode"},
	)

	validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_validations_total",
			Help: "Token validations, by outcome reason.",
		},
		[]string{"reason"},
	)

	revocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consent_revocations_total",
		Help: "Tokens revoked before natural expiry.",
	})

	requestTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_request_transitions_total",
			Help: "Pending-request lifecycle transitions.",
		},
		[]string{"transition"},
	)

	exportRetrievals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_export_retrievals_total",
			Help: "Encrypted export retrievals, by outcome.",
		},
		[]string{"outcome"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tokensIssued, validations, revocations, requestTransitions, exportRetrievals,
		ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued counts a token hand-out; mode is "minted" or "reused".
func TokenIssued(mode string) { tokensIssued.WithLabelValues(mode).Inc() }

// ValidationChecked counts a validation outcome ("ok" or a failure reason).
func ValidationChecked(reason string) { validations.WithLabelValues(reason).Inc() }

// TokenRevoked counts an explicit revocation.
func TokenRevoked() { revocations.Inc() }

// RequestTransition counts a pending-request transition
// (requested/approved/denied).
func RequestTransition(transition string) { requestTransitions.WithLabelValues(transition).Inc() }

// ExportRetrieved counts an export retrieval outcome.
func ExportRetrieved(outcome string) { exportRetrievals.WithLabelValues(outcome).Inc() }

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter records the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streaming responses survive
// instrumentation.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
