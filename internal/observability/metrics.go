package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service: HTTP request
// counters plus the authorization-specific decision and cache series.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisionsTotal  *prometheus.CounterVec
	degradedTotal   prometheus.Counter
	droppedTotal    prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mda_authz_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mda_authz_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mda_authz_decisions_total",
		Help: "Authorization decisions by outcome and deny reason.",
	}, []string{"outcome", "reason"})
	degraded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mda_authz_degraded_reads_total",
		Help: "Permission sets served past TTL because the store was unreachable.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mda_authz_dropped_assignments_total",
		Help: "Role assignments discarded at resolve time for scope mismatch or missing role.",
	})
	registry.MustRegister(requests, duration, decisions, degraded, dropped)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisionsTotal:  decisions,
		degradedTotal:   degraded,
		droppedTotal:    dropped,
	}
}

// RecordDecision counts one authorization outcome.
func (m *Metrics) RecordDecision(allowed bool, reason string, degraded bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
		reason = ""
	}
	m.decisionsTotal.WithLabelValues(outcome, reason).Inc()
	if degraded {
		m.degradedTotal.Inc()
	}
}

// RecordDroppedAssignment counts one assignment discarded during resolution.
func (m *Metrics) RecordDroppedAssignment() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
