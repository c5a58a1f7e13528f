package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets  = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	deliveryDurationBucket = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal          *prometheus.CounterVec
	WorkflowActionsTotal         *prometheus.CounterVec
	WorkflowPerformDuration      *prometheus.HistogramVec
	WorkflowConflictsTotal       *prometheus.CounterVec
	WorkflowTerminalTotal        *prometheus.CounterVec
	WorkflowActiveInstances      *prometheus.GaugeVec
	WorkflowIntegrityErrorsTotal *prometheus.CounterVec

	// Projector metrics
	ProjectorDeliveriesTotal     *prometheus.CounterVec
	ProjectorDeliveryDuration    *prometheus.HistogramVec
	ProjectorRetriesTotal        *prometheus.CounterVec
	ProjectorDroppedTotal        prometheus.Counter
	ProjectorQueueDepth          prometheus.Gauge
	ProjectorCircuitBreakerState *prometheus.GaugeVec

	// Supporting stores
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter
	AuditFailuresTotal         *prometheus.CounterVec

	// System metrics
	TemplateSeedTotal *prometheus.CounterVec
	TemplatesLoaded   prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"template"}),
		WorkflowActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_actions_total",
			Help: "Total number of workflow actions by outcome code.",
		}, []string{"template", "outcome"}),
		WorkflowPerformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_workflow_perform_duration_seconds",
			Help:    "Duration of one perform call in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"template"}),
		WorkflowConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_conflicts_total",
			Help: "Total number of commits rejected by optimistic concurrency.",
		}, []string{"template"}),
		WorkflowTerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_terminal_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"template", "status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_workflow_active_instances",
			Help: "Active instances started or concluded by this process.",
		}, []string{"template"}),
		WorkflowIntegrityErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_integrity_errors_total",
			Help: "Total number of referential integrity anomalies.",
		}, []string{"code"}),

		// Projector
		ProjectorDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_projector_deliveries_total",
			Help: "Total number of case status deliveries by result.",
		}, []string{"sink", "result"}),
		ProjectorDeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_projector_delivery_duration_seconds",
			Help:    "Case status delivery attempt duration in seconds.",
			Buckets: deliveryDurationBucket,
		}, []string{"sink"}),
		ProjectorRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_projector_retries_total",
			Help: "Total number of case status delivery retries.",
		}, []string{"sink"}),
		ProjectorDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_projector_dropped_total",
			Help: "Total number of notifications dropped because the queue was full.",
		}),
		ProjectorQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_projector_queue_depth",
			Help: "Notifications waiting for delivery.",
		}),
		ProjectorCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_projector_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),

		// Supporting stores
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_idempotency_replays_total",
			Help: "Total responses replayed from the idempotency store.",
		}),
		AuditFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_audit_failures_total",
			Help: "Total audit records that could not be written.",
		}, []string{"sink"}),

		// System
		TemplateSeedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_template_seed_total",
			Help: "Template seed results.",
		}, []string{"result"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_templates_loaded",
			Help: "Number of workflow templates available at startup.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowActionsTotal,
		m.WorkflowPerformDuration,
		m.WorkflowConflictsTotal,
		m.WorkflowTerminalTotal,
		m.WorkflowActiveInstances,
		m.WorkflowIntegrityErrorsTotal,
		// Projector
		m.ProjectorDeliveriesTotal,
		m.ProjectorDeliveryDuration,
		m.ProjectorRetriesTotal,
		m.ProjectorDroppedTotal,
		m.ProjectorQueueDepth,
		m.ProjectorCircuitBreakerState,
		// Supporting stores
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		m.AuditFailuresTotal,
		// System
		m.TemplateSeedTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a new active instance.
func (m *Metrics) RecordWorkflowStart(template string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(template).Inc()
	m.WorkflowActiveInstances.WithLabelValues(template).Inc()
}

// RecordWorkflowAction records one perform call. outcome is "ok" or the
// error code returned to the caller.
func (m *Metrics) RecordWorkflowAction(template, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowActionsTotal.WithLabelValues(template, outcome).Inc()
	m.WorkflowPerformDuration.WithLabelValues(template).Observe(duration.Seconds())
}

// RecordWorkflowConflict records a commit lost to a concurrent writer.
func (m *Metrics) RecordWorkflowConflict(template string) {
	if m == nil {
		return
	}
	m.WorkflowConflictsTotal.WithLabelValues(template).Inc()
}

// RecordWorkflowTerminal records an instance leaving Active.
func (m *Metrics) RecordWorkflowTerminal(template, status string) {
	if m == nil {
		return
	}
	m.WorkflowTerminalTotal.WithLabelValues(template, status).Inc()
	m.WorkflowActiveInstances.WithLabelValues(template).Dec()
}

// RecordIntegrityError records a referential integrity anomaly.
func (m *Metrics) RecordIntegrityError(code string) {
	if m == nil {
		return
	}
	m.WorkflowIntegrityErrorsTotal.WithLabelValues(code).Inc()
}

// RecordProjectorDelivery records the final result of one notification.
func (m *Metrics) RecordProjectorDelivery(sink, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProjectorDeliveriesTotal.WithLabelValues(sink, result).Inc()
	m.ProjectorDeliveryDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordProjectorRetry records a delivery retry.
func (m *Metrics) RecordProjectorRetry(sink string) {
	if m == nil {
		return
	}
	m.ProjectorRetriesTotal.WithLabelValues(sink).Inc()
}

// RecordProjectorDrop records a notification dropped on a full queue.
func (m *Metrics) RecordProjectorDrop() {
	if m == nil {
		return
	}
	m.ProjectorDroppedTotal.Inc()
}

// SetProjectorQueueDepth sets the number of queued notifications.
func (m *Metrics) SetProjectorQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ProjectorQueueDepth.Set(float64(n))
}

// SetProjectorCircuitBreakerState sets the circuit breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetProjectorCircuitBreakerState(sink string, state float64) {
	if m == nil {
		return
	}
	m.ProjectorCircuitBreakerState.WithLabelValues(sink).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response served from the idempotency
// store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordAuditFailure records an audit record that a sink rejected.
func (m *Metrics) RecordAuditFailure(sink string) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.WithLabelValues(sink).Inc()
}

// RecordTemplateSeed records template seed counts.
func (m *Metrics) RecordTemplateSeed(created, updated, unchanged int) {
	if m == nil {
		return
	}
	m.TemplateSeedTotal.WithLabelValues("created").Add(float64(created))
	m.TemplateSeedTotal.WithLabelValues("updated").Add(float64(updated))
	m.TemplateSeedTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}

// SetTemplatesLoaded sets the number of available templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := RoutePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
