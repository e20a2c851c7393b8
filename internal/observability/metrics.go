package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator metrics:
// run lifecycle, LLM call latency, tool execution, and event-bus backpressure.
type Metrics struct {
	// RunsTotal counts runs by terminal status once they reach it.
	// Labels: status (completed|failed|stopped)
	RunsTotal *prometheus.CounterVec

	// RunsActive is a gauge of runs currently in status "running".
	RunsActive prometheus.Gauge

	// IterationsTotal counts loop iterations across all runs.
	IterationsTotal prometheus.Counter

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// EventsPublished counts events published to the bus.
	// Labels: type
	EventsPublished *prometheus.CounterVec

	// EventsDropped counts events dropped due to subscriber backpressure.
	EventsDropped prometheus.Counter
}

// NewMetrics registers the orchestrator's Prometheus collectors and returns
// a Metrics handle. Safe to call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_runs_total",
			Help: "Total agent runs by terminal status.",
		}, []string{"status"}),
		RunsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentrun_runs_active",
			Help: "Runs currently in status running.",
		}),
		IterationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentrun_iterations_total",
			Help: "Total orchestrator loop iterations executed.",
		}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrun_llm_request_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_llm_requests_total",
			Help: "LLM provider calls by outcome.",
		}, []string{"provider", "model", "status"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrun_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_tool_executions_total",
			Help: "Tool executions by outcome.",
		}, []string{"tool_name", "status"}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_events_published_total",
			Help: "Events published to the event bus by type.",
		}, []string{"type"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentrun_events_dropped_total",
			Help: "Events dropped due to slow subscribers.",
		}),
	}
}
