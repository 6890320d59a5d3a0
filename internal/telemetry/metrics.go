// Package telemetry wires the agent loop and tool dispatcher into
// Prometheus metrics and OpenTelemetry tracing, following the shape of
// kadirpekel-hector's pkg/observability (separate metrics.go/tracer.go,
// a dedicated Prometheus registry rather than the global default one, a
// package-level tracer resolved through otel.Tracer) scaled down to the
// handful of signals this runtime actually emits.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus series for one process.
type Metrics struct {
	registry *prometheus.Registry

	AgentSteps       *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	ToolErrors       *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers every series on a fresh registry, so a
// caller that never serves /metrics doesn't pollute prometheus' global
// DefaultRegisterer.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.AgentSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Subsystem: "agent",
		Name:      "steps_total",
		Help:      "Agentic loop steps taken, labeled by agent name.",
	}, []string{"agent"})

	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderunner",
		Subsystem: "agent",
		Name:      "sessions_active",
		Help:      "Sessions currently processing a message.",
	})

	m.ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Tool invocations, labeled by tool name and final state.",
	}, []string{"tool", "state"})

	m.ToolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coderunner",
		Subsystem: "tool",
		Name:      "call_duration_seconds",
		Help:      "Tool execution duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~20s
	}, []string{"tool"})

	m.ToolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Subsystem: "tool",
		Name:      "errors_total",
		Help:      "Tool invocations that ended in an error state.",
	}, []string{"tool"})

	m.TokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Subsystem: "cost",
		Name:      "tokens_total",
		Help:      "Normalized token usage, labeled by direction (input/output/reasoning).",
	}, []string{"direction"})

	m.registry.MustRegister(
		m.AgentSteps,
		m.SessionsActive,
		m.ToolCalls,
		m.ToolCallDuration,
		m.ToolErrors,
		m.TokensTotal,
	)

	return m
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTokens records usage from one assistant message's TokenUsage.
func (m *Metrics) ObserveTokens(input, output, reasoning int) {
	if input > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(output))
	}
	if reasoning > 0 {
		m.TokensTotal.WithLabelValues("reasoning").Add(float64(reasoning))
	}
}
