package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/permitdesk/permitdesk/internal/audit"
)

// Metrics collects the Prometheus metrics of the API process.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	seeds           *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	auditFailures   *prometheus.CounterVec
}

// NewMetrics initialises the registry and the collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permitdesk_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "permitdesk_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permitdesk_permit_transitions_total",
		Help: "Permit status transition attempts by source status, target status and outcome.",
	}, []string{"from", "to", "outcome"})
	seeds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permitdesk_permission_seeds_total",
		Help: "Role default permission seeding by record kind and result.",
	}, []string{"kind", "result"})
	fetchFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permitdesk_permission_fetch_failures_total",
		Help: "Permission reads that fell back to role defaults.",
	}, []string{"kind"})
	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permitdesk_audit_write_failures_total",
		Help: "History entries whose append failed, by subject kind.",
	}, []string{"subject"})
	registry.MustRegister(requests, duration, transitions, seeds, fetchFailures, auditFailures)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		transitions:     transitions,
		seeds:           seeds,
		fetchFailures:   fetchFailures,
		auditFailures:   auditFailures,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// TransitionRecorded implements permits.TransitionObserver.
func (m *Metrics) TransitionRecorded(from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, outcome).Inc()
}

// PermissionsSeeded implements access.ResolverObserver.
func (m *Metrics) PermissionsSeeded(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.seeds.WithLabelValues(kind, result).Inc()
}

// PermissionFetchFailed implements access.ResolverObserver.
func (m *Metrics) PermissionFetchFailed(kind string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(kind).Inc()
}

// AuditWriteFailed is registered as the audit recorder failure hook.
func (m *Metrics) AuditWriteFailed(kind audit.SubjectKind) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(string(kind)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
