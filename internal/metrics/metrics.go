// Package metrics exposes the gateway's Prometheus surface: how many
// connections are live, how generations end, and how long tool execution
// takes. Adapted from the teacher's observability counterpart in the wider
// example pack (promauto-built vectors registered once at process start),
// scaled down to the handful of series this gateway actually has cause to
// emit.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every series the gateway records. Construct one with New
// and share it across every accepted connection.
type Metrics struct {
	ActiveConnections     prometheus.Gauge
	Generations           *prometheus.CounterVec
	ToolExecutions        *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
}

// New registers and returns the gateway's metric series under the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_connections",
			Help:      "Number of currently open WebSocket connections.",
		}),
		Generations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "generations_total",
			Help:      "Completed generations, partitioned by how they ended.",
		}, []string{"outcome"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tool_executions_total",
			Help:      "Tool invocations, partitioned by tool name and result.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}
}

// Handler serves the text exposition format for a scrape target.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolExecution reports one tool invocation's outcome and latency.
// Safe to call on a nil *Metrics, so callers that may run without a
// metrics instance wired up don't need their own nil check.
func (m *Metrics) RecordToolExecution(tool string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := StatusOK
	if !ok {
		status = StatusError
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// outcome labels used with Generations.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// status labels used with ToolExecutions.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
