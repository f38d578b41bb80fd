// Package metrics provides Prometheus instrumentation for the SDK and the
// splitd sidecar.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only SDK metrics appear on the /metrics endpoint. Helper
// methods are safe to call on a nil *Metrics, which lets components run
// uninstrumented.
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

// Fetch results.
const (
	FetchChanged   = "changed"
	FetchUnchanged = "unchanged"
	FetchError     = "error"
	FetchSkipped   = "skipped"
)

// Reasons a queue dropped items.
const (
	DropOverflow  = "overflow"
	DropTransport = "transport"
)

// Metrics holds all Prometheus collectors used by the SDK.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	FetchesTotal        *prometheus.CounterVec
	CacheSize           *prometheus.GaugeVec
	QueueLength         *prometheus.GaugeVec
	QueueDroppedTotal   *prometheus.CounterVec
	BatchesSentTotal    *prometheus.CounterVec
	ItemsSentTotal      *prometheus.CounterVec
	EvaluationsTotal    *prometheus.CounterVec
	ValidationTotal     *prometheus.CounterVec
	ReadinessEvents     *prometheus.CounterVec
	MethodLatency       *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all SDK metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_http_requests_total",
			Help: "Total number of sidecar HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "splitsdk_http_request_duration_seconds",
			Help:    "Sidecar HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_grpc_requests_total",
			Help: "Total number of sidecar gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "splitsdk_grpc_request_duration_seconds",
			Help:    "Sidecar gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_fetches_total",
			Help: "Total number of fetcher polls by outcome.",
		}, []string{"fetcher", "result"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splitsdk_cache_size",
			Help: "Number of entries in a local cache.",
		}, []string{"cache"}),

		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splitsdk_queue_length",
			Help: "Number of telemetry items buffered in a queue.",
		}, []string{"queue"}),

		QueueDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_queue_dropped_total",
			Help: "Total number of telemetry items dropped.",
		}, []string{"queue", "reason"}),

		BatchesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_batches_sent_total",
			Help: "Total number of telemetry batches handed to a transport.",
		}, []string{"queue", "result"}),

		ItemsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_items_sent_total",
			Help: "Total number of telemetry items delivered.",
		}, []string{"queue"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_evaluations_total",
			Help: "Total number of treatment evaluations.",
		}, []string{"result"}),

		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_validation_findings_total",
			Help: "Total number of input validation errors and warnings.",
		}, []string{"method", "severity"}),

		ReadinessEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitsdk_readiness_events_total",
			Help: "Total number of readiness events fired.",
		}, []string{"event"}),

		MethodLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "splitsdk_method_latency_seconds",
			Help:    "Latency of public client methods in seconds.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		}, []string{"method"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splitsdk_auth_failures_total",
			Help: "Total number of failed sidecar authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.FetchesTotal,
		m.CacheSize,
		m.QueueLength,
		m.QueueDroppedTotal,
		m.BatchesSentTotal,
		m.ItemsSentTotal,
		m.EvaluationsTotal,
		m.ValidationTotal,
		m.ReadinessEvents,
		m.MethodLatency,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency labelled with the
// matched mux pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
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
// request count and latency, used by the health Watch stream.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
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

// RecordFetch counts one fetcher poll with the given outcome.
func (m *Metrics) RecordFetch(fetcher string, result string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(fetcher, result).Inc()
}

// SetCacheSize updates the entry count for the given cache.
func (m *Metrics) SetCacheSize(cache string, size int) {
	if m == nil {
		return
	}
	m.CacheSize.WithLabelValues(cache).Set(float64(size))
}

// SetQueueLength updates the buffered item gauge for the given queue.
func (m *Metrics) SetQueueLength(queue string, length int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(queue).Set(float64(length))
}

// AddDropped counts items a queue discarded.
func (m *Metrics) AddDropped(queue string, reason string, count int) {
	if m == nil {
		return
	}
	m.QueueDroppedTotal.WithLabelValues(queue, reason).Add(float64(count))
}

// RecordBatch counts one transport call and, on success, its items.
func (m *Metrics) RecordBatch(queue string, size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BatchesSentTotal.WithLabelValues(queue, "error").Inc()
		return
	}
	m.BatchesSentTotal.WithLabelValues(queue, "ok").Inc()
	m.ItemsSentTotal.WithLabelValues(queue).Add(float64(size))
}

// RecordEvaluation counts an evaluation, split by whether control was
// served.
func (m *Metrics) RecordEvaluation(control bool) {
	if m == nil {
		return
	}
	result := "treatment"
	if control {
		result = "control"
	}
	m.EvaluationsTotal.WithLabelValues(result).Inc()
}

// RecordValidation counts a validation finding for a public method.
func (m *Metrics) RecordValidation(method string, isError bool) {
	if m == nil {
		return
	}
	severity := "warning"
	if isError {
		severity = "error"
	}
	m.ValidationTotal.WithLabelValues(method, severity).Inc()
}

// RecordReadinessEvent counts a fired readiness event.
func (m *Metrics) RecordReadinessEvent(event string) {
	if m == nil {
		return
	}
	m.ReadinessEvents.WithLabelValues(event).Inc()
}

// ObserveLatency records how long a public method took.
func (m *Metrics) ObserveLatency(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MethodLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// IncAuthFailures increments the sidecar auth failure counter.
func (m *Metrics) IncAuthFailures() {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Inc()
}
