// Package metrics provides Prometheus instrumentation for the lldrules server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only lldrules metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the lldrules server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	ValidationFailures   *prometheus.CounterVec
	RuleOperationsTotal  *prometheus.CounterVec
	OverrideEvaluations  *prometheus.CounterVec
	RulesetCacheSize     prometheus.Gauge
	AuthFailuresTotal    prometheus.Counter
	ActiveStreams        *prometheus.GaugeVec
	PublishedEventsTotal *prometheus.CounterVec
}

// New creates and registers all lldrules metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lldrules_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lldrules_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lldrules_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lldrules_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lldrules_validation_failures_total",
			Help: "Total number of rejected requests by validation error kind.",
		}, []string{"kind"}),

		RuleOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lldrules_rule_operations_total",
			Help: "Total number of discovery rule mutations.",
		}, []string{"operation", "result"}),

		OverrideEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lldrules_override_evaluations_total",
			Help: "Total number of runtime rule evaluations by outcome.",
		}, []string{"result"}),

		RulesetCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lldrules_ruleset_cache_size",
			Help: "Number of compiled rulesets held in memory.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lldrules_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lldrules_active_streams",
			Help: "Number of active event streaming connections.",
		}, []string{"transport"}),

		PublishedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lldrules_published_events_total",
			Help: "Total number of rule events forwarded to the message bus.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ValidationFailures,
		m.RuleOperationsTotal,
		m.OverrideEvaluations,
		m.RulesetCacheSize,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.PublishedEventsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served HTTP request. route is the matched
// route pattern, never the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		done := m.TrackStream("grpc")
		defer done()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// TrackStream marks a streaming connection as open on transport and returns
// the func that closes it.
func (m *Metrics) TrackStream(transport string) func() {
	gauge := m.ActiveStreams.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}

func (m *Metrics) RecordValidationFailure(kind string) {
	m.ValidationFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRuleOperation(operation string, err error) {
	m.RuleOperationsTotal.WithLabelValues(operation, result(err)).Inc()
}

// RecordOverrideEvaluation counts one evaluation as discovered or filtered.
func (m *Metrics) RecordOverrideEvaluation(discovered bool) {
	outcome := "filtered"
	if discovered {
		outcome = "discovered"
	}
	m.OverrideEvaluations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetRulesetCacheSize(size int) {
	m.RulesetCacheSize.Set(float64(size))
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// RecordPublish counts one event handed to the message bus.
func (m *Metrics) RecordPublish(err error) {
	m.PublishedEventsTotal.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
