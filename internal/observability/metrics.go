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
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	TransitionDuration       *prometheus.HistogramVec
	GateFailuresTotal        *prometheus.CounterVec
	ActionExecutionsTotal    *prometheus.CounterVec
	AssigneeResolutionsTotal *prometheus.CounterVec
	StepTimeoutsTotal        *prometheus.CounterVec
	SLABreachesTotal         *prometheus.CounterVec

	// Checklist metrics
	ChecklistOperationsTotal *prometheus.CounterVec

	// Cache metrics
	RoleCacheHitsTotal   prometheus.Counter
	RoleCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	SweepDuration         prometheus.Histogram
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"template_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"template_id", "to_stage", "result"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_completions_total",
			Help: "Total number of workflow instances that stopped being active.",
		}, []string{"template_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_workflow_active_instances",
			Help: "Number of active workflow instances started by this process.",
		}, []string{"template_id"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_transition_duration_seconds",
			Help:    "Transition duration in seconds, including actions.",
			Buckets: operationDurationBuckets,
		}, []string{"template_id"}),
		GateFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_gate_failures_total",
			Help: "Total number of failed gate evaluations.",
		}, []string{"template_id", "stage", "gate_type"}),
		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_action_executions_total",
			Help: "Total number of transition actions executed.",
		}, []string{"action_type", "status"}),
		AssigneeResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_assignee_resolutions_total",
			Help: "Total number of assignee resolutions.",
		}, []string{"strategy", "result"}),
		StepTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_step_timeouts_total",
			Help: "Total number of step timeouts handled.",
		}, []string{"template_id", "policy"}),
		SLABreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_sla_breaches_total",
			Help: "Total number of stage SLA breaches recorded.",
		}, []string{"template_id"}),

		ChecklistOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_checklist_operations_total",
			Help: "Total number of checklist operations by outcome.",
		}, []string{"operation", "result"}),

		RoleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_role_cache_hits_total",
			Help: "Total number of role cache hits.",
		}),
		RoleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_role_cache_misses_total",
			Help: "Total number of role cache misses.",
		}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_definition_reload_total",
			Help: "Total number of definition loads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_definitions_loaded",
			Help: "Number of templates currently loaded.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseflow_deadline_sweep_duration_seconds",
			Help:    "Deadline sweep duration in seconds.",
			Buckets: operationDurationBuckets,
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.TransitionDuration,
		m.GateFailuresTotal,
		m.ActionExecutionsTotal,
		m.AssigneeResolutionsTotal,
		m.StepTimeoutsTotal,
		m.SLABreachesTotal,
		m.ChecklistOperationsTotal,
		m.RoleCacheHitsTotal,
		m.RoleCacheMissesTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.SweepDuration,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordTransition records a transition attempt. result is "success" or the
// rejection's error code.
func (m *Metrics) RecordTransition(templateID, toStage, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(templateID, toStage, result).Inc()
	m.TransitionDuration.WithLabelValues(templateID).Observe(duration.Seconds())
}

// RecordWorkflowCompletion records an instance leaving the active state.
func (m *Metrics) RecordWorkflowCompletion(templateID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(templateID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Dec()
}

// RecordGateFailure records a failed gate.
func (m *Metrics) RecordGateFailure(templateID, stage, gateType string) {
	if m == nil {
		return
	}
	m.GateFailuresTotal.WithLabelValues(templateID, stage, gateType).Inc()
}

// RecordAction records a transition action outcome.
func (m *Metrics) RecordAction(actionType string, success bool) {
	if m == nil {
		return
	}
	m.ActionExecutionsTotal.WithLabelValues(actionType, outcome(success)).Inc()
}

// RecordAssigneeResolution records an assignee resolution outcome.
func (m *Metrics) RecordAssigneeResolution(strategy string, success bool) {
	if m == nil {
		return
	}
	m.AssigneeResolutionsTotal.WithLabelValues(strategy, outcome(success)).Inc()
}

// RecordStepTimeout records a step timeout being handled.
func (m *Metrics) RecordStepTimeout(templateID, policy string) {
	if m == nil {
		return
	}
	m.StepTimeoutsTotal.WithLabelValues(templateID, policy).Inc()
}

// RecordSLABreach records a stage SLA breach.
func (m *Metrics) RecordSLABreach(templateID string) {
	if m == nil {
		return
	}
	m.SLABreachesTotal.WithLabelValues(templateID).Inc()
}

// RecordChecklistOperation records a checklist operation. result is
// "success" or the rejection's error code.
func (m *Metrics) RecordChecklistOperation(operation, result string) {
	if m == nil {
		return
	}
	m.ChecklistOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordRoleCacheHit records a role cache hit.
func (m *Metrics) RecordRoleCacheHit() {
	if m == nil {
		return
	}
	m.RoleCacheHitsTotal.Inc()
}

// RecordRoleCacheMiss records a role cache miss.
func (m *Metrics) RecordRoleCacheMiss() {
	if m == nil {
		return
	}
	m.RoleCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition load.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded templates.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordSweep records a deadline sweep run.
func (m *Metrics) RecordSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
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

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
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
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	w.written = true
	return w.ResponseWriter.Write(b)
}
