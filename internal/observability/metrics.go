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
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120}
	jobDurationBuckets  = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Event metrics
	EventsReceivedTotal *prometheus.CounterVec
	EventsRoutedTotal   *prometheus.CounterVec

	// Job metrics
	JobsCreatedTotal   *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobsActive         *prometheus.GaugeVec
	JobDuration        *prometheus.HistogramVec

	// Step metrics
	StepExecutionsTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	StepTimeoutsTotal   *prometheus.CounterVec

	// Approval metrics
	ApprovalsRequestedTotal prometheus.Counter
	ApprovalsDecidedTotal   *prometheus.CounterVec
	ApprovalsExpiredTotal   prometheus.Counter

	// Trust metrics
	TrustDriftTotal *prometheus.CounterVec

	// Budget metrics
	BudgetDeductionsTotal *prometheus.CounterVec
	BudgetDeniedTotal     *prometheus.CounterVec

	// Queue metrics
	QueueEnqueuedTotal    *prometheus.CounterVec
	QueueClaimedTotal     prometheus.Counter
	QueueDeadLetterTotal  prometheus.Counter
	QueueDepth            *prometheus.GaugeVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequor_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequor_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Events
		EventsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_events_received_total",
			Help: "Total number of inbound events.",
		}, []string{"event_type", "source"}),
		EventsRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_events_routed_total",
			Help: "Total number of event-to-sequence route matches.",
		}, []string{"event_type", "sequence_key"}),

		// Jobs
		JobsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_jobs_created_total",
			Help: "Total number of jobs created.",
		}, []string{"sequence_key", "source"}),
		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status.",
		}, []string{"sequence_key", "final_status"}),
		JobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sequor_jobs_active",
			Help: "Number of non-terminal jobs.",
		}, []string{"sequence_key"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequor_job_duration_seconds",
			Help:    "Job duration from creation to terminal status in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"sequence_key"}),

		// Steps
		StepExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_step_executions_total",
			Help: "Total number of step execution attempts.",
		}, []string{"action_type", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequor_step_duration_seconds",
			Help:    "Step handler duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"action_type"}),
		StepTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_step_timeouts_total",
			Help: "Total number of step timeouts.",
		}, []string{"action_type"}),

		// Approvals
		ApprovalsRequestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequor_approvals_requested_total",
			Help: "Total number of approval requests opened.",
		}),
		ApprovalsDecidedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_approvals_decided_total",
			Help: "Total number of approval decisions.",
		}, []string{"decision"}),
		ApprovalsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequor_approvals_expired_total",
			Help: "Total number of approval requests expired by the sweep.",
		}),

		// Trust
		TrustDriftTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_trust_drift_total",
			Help: "Total number of trust threshold changes.",
		}, []string{"reason"}),

		// Budget
		BudgetDeductionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_budget_deductions_total",
			Help: "Total number of budget deductions.",
		}, []string{"org_id"}),
		BudgetDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_budget_denied_total",
			Help: "Total number of denied budget checks.",
		}, []string{"reason"}),

		// Queue
		QueueEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequor_queue_enqueued_total",
			Help: "Total number of items admitted to the delivery queue.",
		}, []string{"lane"}),
		QueueClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequor_queue_claimed_total",
			Help: "Total number of queue claims.",
		}),
		QueueDeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequor_queue_dead_letter_total",
			Help: "Total number of items dead-lettered.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sequor_queue_depth",
			Help: "Number of pending queue items per lane.",
		}, []string{"lane"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequor_definitions_loaded",
			Help: "Number of published sequence definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Events
		m.EventsReceivedTotal,
		m.EventsRoutedTotal,
		// Jobs
		m.JobsCreatedTotal,
		m.JobsCompletedTotal,
		m.JobsActive,
		m.JobDuration,
		// Steps
		m.StepExecutionsTotal,
		m.StepDuration,
		m.StepTimeoutsTotal,
		// Approvals
		m.ApprovalsRequestedTotal,
		m.ApprovalsDecidedTotal,
		m.ApprovalsExpiredTotal,
		// Trust
		m.TrustDriftTotal,
		// Budget
		m.BudgetDeductionsTotal,
		m.BudgetDeniedTotal,
		// Queue
		m.QueueEnqueuedTotal,
		m.QueueClaimedTotal,
		m.QueueDeadLetterTotal,
		m.QueueDepth,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// The domain recorders tolerate a nil receiver so components can hold an
// optional *Metrics and record unconditionally.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEvent records an inbound event and its route matches.
func (m *Metrics) RecordEvent(eventType, source string, matches []string) {
	if m == nil {
		return
	}
	m.EventsReceivedTotal.WithLabelValues(eventType, source).Inc()
	for _, sequenceKey := range matches {
		m.EventsRoutedTotal.WithLabelValues(eventType, sequenceKey).Inc()
	}
}

// RecordJobCreated records a job creation.
func (m *Metrics) RecordJobCreated(sequenceKey, source string) {
	if m == nil {
		return
	}
	m.JobsCreatedTotal.WithLabelValues(sequenceKey, source).Inc()
	m.JobsActive.WithLabelValues(sequenceKey).Inc()
}

// RecordJobCompleted records a job reaching a terminal status.
func (m *Metrics) RecordJobCompleted(sequenceKey, finalStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsCompletedTotal.WithLabelValues(sequenceKey, finalStatus).Inc()
	m.JobsActive.WithLabelValues(sequenceKey).Dec()
	m.JobDuration.WithLabelValues(sequenceKey).Observe(duration.Seconds())
}

// RecordStepExecution records a step attempt.
func (m *Metrics) RecordStepExecution(actionType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepExecutionsTotal.WithLabelValues(actionType, status).Inc()
	m.StepDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordStepTimeout records a step timeout.
func (m *Metrics) RecordStepTimeout(actionType string) {
	if m == nil {
		return
	}
	m.StepTimeoutsTotal.WithLabelValues(actionType).Inc()
}

// RecordApprovalRequested records an opened approval request.
func (m *Metrics) RecordApprovalRequested() {
	if m == nil {
		return
	}
	m.ApprovalsRequestedTotal.Inc()
}

// RecordApprovalDecided records an approval decision.
func (m *Metrics) RecordApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsDecidedTotal.WithLabelValues(decision).Inc()
}

// RecordApprovalExpired records an expired approval request.
func (m *Metrics) RecordApprovalExpired() {
	if m == nil {
		return
	}
	m.ApprovalsExpiredTotal.Inc()
}

// RecordTrustDrift records a trust threshold change.
func (m *Metrics) RecordTrustDrift(reason string) {
	if m == nil {
		return
	}
	m.TrustDriftTotal.WithLabelValues(reason).Inc()
}

// RecordBudgetDeduction records a successful deduction.
func (m *Metrics) RecordBudgetDeduction(orgID string) {
	if m == nil {
		return
	}
	m.BudgetDeductionsTotal.WithLabelValues(orgID).Inc()
}

// RecordBudgetDenied records a denied budget check.
func (m *Metrics) RecordBudgetDenied(reason string) {
	if m == nil {
		return
	}
	m.BudgetDeniedTotal.WithLabelValues(reason).Inc()
}

// RecordQueueEnqueued records an admitted queue item.
func (m *Metrics) RecordQueueEnqueued(lane int) {
	if m == nil {
		return
	}
	m.QueueEnqueuedTotal.WithLabelValues(strconv.Itoa(lane)).Inc()
}

// RecordQueueClaimed records a queue claim.
func (m *Metrics) RecordQueueClaimed() {
	if m == nil {
		return
	}
	m.QueueClaimedTotal.Inc()
}

// RecordQueueDeadLetter records a dead-lettered item.
func (m *Metrics) RecordQueueDeadLetter() {
	if m == nil {
		return
	}
	m.QueueDeadLetterTotal.Inc()
}

// SetQueueDepth sets the pending item gauge for a lane.
func (m *Metrics) SetQueueDepth(lane, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(depth))
}

// SetDefinitionsLoaded sets the number of published definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
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
		pathPattern := routePattern(r)
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

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
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
