package hammerhead

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	failures          *prometheus.CounterVec
	rewriteDuration   *prometheus.HistogramVec
	parseFallbacks    prometheus.Counter
	mocksServed       prometheus.Counter
	rateLimited       prometheus.Counter
	activeRequests    prometheus.Gauge
	activeSessions    prometheus.Gauge
	filterRuleCount   prometheus.Gauge
	filterReloads     prometheus.Counter
	filterReloadErrs  prometheus.Counter
	credentialLookups *prometheus.CounterVec
	certCacheHits     prometheus.Counter
	certCacheMisses   prometheus.Counter
	certRotations     *prometheus.CounterVec
	adminDenied       prometheus.Counter
	hookResponses     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "requests_total",
			Help:      "Total number of proxied requests by resource type and content kind.",
		}, []string{"resource_type", "content_kind"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hammerhead",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "status"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "request_failures_total",
			Help:      "Number of failed requests by failure kind.",
		}, []string{"kind"}),

		rewriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hammerhead",
			Name:      "rewrite_duration_seconds",
			Help:      "Time spent rewriting response bodies.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"content_kind"}),

		parseFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "js_parse_fallbacks_total",
			Help:      "Number of scripts served uninstrumented after a parse failure.",
		}),

		mocksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "mocks_served_total",
			Help:      "Number of responses served from mocks.",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "rate_limited_total",
			Help:      "Number of requests rejected by the rate limiter.",
		}),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hammerhead",
			Name:      "active_requests",
			Help:      "Number of requests in flight.",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hammerhead",
			Name:      "active_sessions",
			Help:      "Number of open sessions.",
		}),

		filterRuleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hammerhead",
			Name:      "filter_rule_count",
			Help:      "Number of global request filter rules.",
		}),

		filterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "filter_reloads_total",
			Help:      "Number of successful filter reloads.",
		}),

		filterReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "filter_reload_errors_total",
			Help:      "Number of failed filter reloads.",
		}),

		credentialLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "credential_lookups_total",
			Help:      "Number of OS credential lookups by result.",
		}, []string{"result"}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "cert_cache_hits_total",
			Help:      "Number of listener certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "cert_cache_misses_total",
			Help:      "Number of listener certificate cache misses.",
		}),

		certRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "cert_rotations_total",
			Help:      "Number of listener certificate rotations by result.",
		}, []string{"result"}),

		adminDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "admin_denied_total",
			Help:      "Number of admin API requests rejected for a missing or invalid token.",
		}),

		hookResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hammerhead",
			Name:      "hook_responses_total",
			Help:      "Number of responses supplied by pipeline hooks.",
		}, []string{"stage"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.failures,
		m.rewriteDuration,
		m.parseFallbacks,
		m.mocksServed,
		m.rateLimited,
		m.activeRequests,
		m.activeSessions,
		m.filterRuleCount,
		m.filterReloads,
		m.filterReloadErrs,
		m.credentialLookups,
		m.certCacheHits,
		m.certCacheMisses,
		m.certRotations,
		m.adminDenied,
		m.hookResponses,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a proxied request.
func (m *Metrics) RecordRequest(resourceType, contentKind string) {
	m.requestsTotal.WithLabelValues(resourceType, contentKind).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordFailure records a failed request.
func (m *Metrics) RecordFailure(kind FailureKind) {
	m.failures.WithLabelValues(kind.String()).Inc()
}

// RecordRewrite records the time spent rewriting one body.
func (m *Metrics) RecordRewrite(contentKind string, duration time.Duration) {
	m.rewriteDuration.WithLabelValues(contentKind).Observe(duration.Seconds())
}

// RecordParseFallbacks records scripts served uninstrumented.
func (m *Metrics) RecordParseFallbacks(n int) {
	m.parseFallbacks.Add(float64(n))
}

// RecordMock records a mocked response.
func (m *Metrics) RecordMock() {
	m.mocksServed.Inc()
}

// RecordRateLimited records a throttled request.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// IncActiveRequests increments the in-flight request gauge.
func (m *Metrics) IncActiveRequests() {
	m.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight request gauge.
func (m *Metrics) DecActiveRequests() {
	m.activeRequests.Dec()
}

// SetActiveSessions sets the open session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetFilterRuleCount sets the current filter rule count.
func (m *Metrics) SetFilterRuleCount(count int) {
	m.filterRuleCount.Set(float64(count))
}

// RecordFilterReload records a successful filter reload.
func (m *Metrics) RecordFilterReload() {
	m.filterReloads.Inc()
}

// RecordFilterReloadError records a failed filter reload.
func (m *Metrics) RecordFilterReloadError() {
	m.filterReloadErrs.Inc()
}

// RecordCredentialLookup records an OS credential lookup.
func (m *Metrics) RecordCredentialLookup(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.credentialLookups.WithLabelValues(result).Inc()
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordCertRotation records a listener certificate rotation attempt.
func (m *Metrics) RecordCertRotation(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.certRotations.WithLabelValues(result).Inc()
}

// RecordAdminDenied records a rejected admin API request.
func (m *Metrics) RecordAdminDenied() {
	m.adminDenied.Inc()
}

// RecordHookResponse records a response supplied by a request or response hook.
func (m *Metrics) RecordHookResponse(stage string) {
	m.hookResponses.WithLabelValues(stage).Inc()
}
