// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the pipeline engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SESSION METRICS
// =============================================================================

var (
	sessionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thirdeye_session_runs_total",
			Help: "Total number of session pipeline runs",
		},
		[]string{"strategy", "status"}, // status: completed, paused, failed, killed
	)

	sessionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thirdeye_session_duration_seconds",
			Help:    "Session pipeline run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"strategy"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thirdeye_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "outcome"}, // outcome: approved, rejected, awaiting_input, awaiting_revision, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thirdeye_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	orderingViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thirdeye_ordering_violations_total",
			Help: "Total number of stage invocations rejected by the order guard",
		},
		[]string{"stage"},
	)
)

// =============================================================================
// BACKEND METRICS
// =============================================================================

var (
	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thirdeye_backend_calls_total",
			Help: "Total number of LLM backend calls",
		},
		[]string{"backend", "model", "status"}, // status: success, error
	)

	backendDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thirdeye_backend_duration_seconds",
			Help:    "LLM backend call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend", "model"},
	)

	backendFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thirdeye_backend_fallbacks_total",
			Help: "Total number of stage executions retried on the fallback backend",
		},
		[]string{"stage", "fallback_status"}, // fallback_status: success, error
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordSessionRun records session run metrics.
// This should be called when a pipeline run returns to the caller.
func RecordSessionRun(strategy string, status string, durationMS int) {
	sessionRunsTotal.WithLabelValues(strategy, status).Inc()
	sessionDurationSeconds.WithLabelValues(strategy).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records stage execution metrics.
// This should be called after every stage invocation, including failures.
func RecordStageExecution(stage string, outcome string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordOrderingViolation records an out-of-order stage invocation.
func RecordOrderingViolation(stage string) {
	orderingViolationsTotal.WithLabelValues(stage).Inc()
}

// RecordBackendCall records LLM backend call metrics.
// This should be called after the completion request returns.
func RecordBackendCall(backend string, model string, status string, durationMS int) {
	backendCallsTotal.WithLabelValues(backend, model, status).Inc()
	backendDurationSeconds.WithLabelValues(backend, model).Observe(float64(durationMS) / 1000.0)
}

// RecordBackendFallback records a retry on the fallback backend.
func RecordBackendFallback(stage string, fallbackStatus string) {
	backendFallbacksTotal.WithLabelValues(stage, fallbackStatus).Inc()
}
