// Package metrics provides Prometheus metrics for the converter service.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. Upstream government hosts are
// slow, so the tail goes well past the usual 10s.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the service.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RouteAttempts *prometheus.CounterVec
	RouteDuration *prometheus.HistogramVec
	FetchesTotal  *prometheus.CounterVec
	ExportsTotal  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisheet_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apisheet_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apisheet_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apisheet_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisheet_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RouteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisheet_route_attempts_total",
			Help: "Fetch attempts per route and outcome kind.",
		}, []string{"route", "outcome"}),

		RouteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apisheet_route_attempt_duration_seconds",
			Help:    "Duration of a single route attempt in seconds.",
			Buckets: defaultBuckets,
		}, []string{"route"}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisheet_fetches_total",
			Help: "Completed fetches by result.",
		}, []string{"result"}),

		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisheet_exports_total",
			Help: "Exports produced by format.",
		}, []string{"format"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RouteAttempts,
		m.RouteDuration,
		m.FetchesTotal,
		m.ExportsTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathNormalizer maps request paths to a bounded set of label values.
type PathNormalizer struct {
	prefixes []string
}

// NewPathNormalizer returns a normalizer that knows the fixed service routes
// plus the relay prefix and metrics path in use.
func NewPathNormalizer(relayPrefix, metricsPath string) *PathNormalizer {
	prefixes := []string{"/convert", "/healthz", "/proxy/status", "/proxy/probe"}
	for _, p := range []string{relayPrefix, metricsPath} {
		if p != "" && p != "/" {
			prefixes = append(prefixes, strings.TrimSuffix(p, "/"))
		}
	}
	return &PathNormalizer{prefixes: prefixes}
}

// Normalize returns a bounded path label for Prometheus metrics.
func (n *PathNormalizer) Normalize(path string) string {
	for _, prefix := range n.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
