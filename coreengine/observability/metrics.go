// Package observability provides Prometheus metrics instrumentation for the shipping agent.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_turns_total",
			Help: "Total number of conversation turns by orchestrator outcome",
		},
		[]string{"outcome", "mode"}, // mode: llm, fallback
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipping_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)
)

// =============================================================================
// TASK METRICS
// =============================================================================

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_tasks_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"state"}, // completed, failed, canceled
	)

	tasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shipping_tasks_retained",
			Help: "Number of task records currently retained",
		},
	)
)

// =============================================================================
// ORDER METRICS
// =============================================================================

var (
	orderUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_order_updates_total",
			Help: "Total number of order store updates by field",
		},
		[]string{"field", "status"}, // status: success, invalid, failed
	)

	orderEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_order_events_total",
			Help: "Order lifecycle events published on the bus",
		},
		[]string{"event"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_llm_calls_total",
			Help: "Total number of text-completion calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error, fallback
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipping_llm_duration_seconds",
			Help:    "Text-completion call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipping_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)

	rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_jsonrpc_requests_total",
			Help: "Total JSON-RPC requests by method and result code",
		},
		[]string{"method", "code"}, // code: ok or the numeric JSON-RPC error code
	)

	rpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipping_jsonrpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 30},
		},
		[]string{"method"},
	)
)

// =============================================================================
// ACCESS METRICS
// =============================================================================

var (
	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"limit_type"}, // minute, hour, day, burst
	)

	authValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipping_auth_validations_total",
			Help: "Bearer token validations by result",
		},
		[]string{"result"}, // cached, validated, rejected
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTurn records one processed conversation turn.
func RecordTurn(outcome string, mode string, durationMS int) {
	turnsTotal.WithLabelValues(outcome, mode).Inc()
	turnDurationSeconds.WithLabelValues(mode).Observe(float64(durationMS) / 1000.0)
}

// RecordTaskTerminal records a task reaching a terminal state.
func RecordTaskTerminal(state string) {
	tasksTotal.WithLabelValues(state).Inc()
}

// SetTasksRetained reports the number of task records held in memory.
func SetTasksRetained(n int) {
	tasksActive.Set(float64(n))
}

// RecordOrderUpdate records one order store update attempt for a field.
func RecordOrderUpdate(field string, status string) {
	orderUpdatesTotal.WithLabelValues(field, status).Inc()
}

// RecordOrderEvent counts an order lifecycle event (verified, staged, applied, cancelled).
func RecordOrderEvent(event string) {
	orderEventsTotal.WithLabelValues(event).Inc()
}

// RecordLLMCall records LLM call metrics.
// This should be called after a completion (or its stream) finishes.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordRPCRequest records JSON-RPC request metrics.
func RecordRPCRequest(method string, code string, durationMS int) {
	rpcRequestsTotal.WithLabelValues(method, code).Inc()
	rpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordRateLimited counts a request rejected by the limiter.
func RecordRateLimited(limitType string) {
	rateLimitedTotal.WithLabelValues(limitType).Inc()
}

// RecordAuthValidation counts a bearer token validation outcome.
func RecordAuthValidation(result string) {
	authValidationsTotal.WithLabelValues(result).Inc()
}
