package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

// Access-control and metering metrics.
var (
	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_access_decisions_total",
			Help: "Access decisions by outcome.",
		},
		[]string{"outcome"},
	)

	quotaConsume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_quota_consume_total",
			Help: "Quota consume attempts by result.",
		},
		[]string{"result"},
	)

	storeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_store_retries_total",
		Help: "Retried counter store operations.",
	})

	invitationAccepts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_invitation_accept_total",
			Help: "Invitation acceptance attempts by result.",
		},
		[]string{"result"},
	)

	configErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_config_errors_total",
			Help: "Invalid role or plan data observed at runtime.",
		},
		[]string{"kind"},
	)

	billingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_billing_events_total",
			Help: "Billing plan-change events by result.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			accessDecisions, quotaConsume, storeRetries,
			invitationAccepts, configErrors, billingEvents,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveDecision(outcome string)    { accessDecisions.WithLabelValues(outcome).Inc() }
func ObserveConsume(result string)      { quotaConsume.WithLabelValues(result).Inc() }
func ObserveStoreRetry()                { storeRetries.Inc() }
func ObserveInvitation(result string)   { invitationAccepts.WithLabelValues(result).Inc() }
func ObserveConfigError(kind string)    { configErrors.WithLabelValues(kind).Inc() }
func ObserveBillingEvent(result string) { billingEvents.WithLabelValues(result).Inc() }

var knownPaths = map[string]struct{}{
	"/":                          {},
	"/metrics":                   {},
	"/healthz":                   {},
	"/readyz":                    {},
	"/v1/info":                   {},
	"/v1/usage":                  {},
	"/v1/access/authorize":       {},
	"/v1/invitations":            {},
	"/v1/invitations/accept":     {},
	"/v1/invitations/inspect":    {},
	"/v1/organizations":          {},
	"/v1/billing/events":         {},
	"/v1/admin/quota-breakdown":  {},
	"/v1/admin/decisions/stream": {},
}

// CanonicalPath maps a request path to a bounded label value.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	if id := strings.TrimPrefix(path, "/v1/organizations/"); id != path && id != "" && !strings.Contains(id, "/") {
		return "/v1/organizations/:id"
	}
	return "other"
}

// Instrument measures request count, latency and in-flight requests.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
