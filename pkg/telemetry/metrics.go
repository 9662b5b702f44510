// Package telemetry provides sentryscan's Prometheus metrics and
// OpenTelemetry tracing, both nil-safe so callers can wire them
// unconditionally and have them become no-ops when disabled.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics namespace.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// SetDefaults fills unset fields.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "sentryscan"
	}
}

// Metrics collects counters, gauges, and histograms for the scheduler,
// workflow engine, and adapter layer. All methods are nil-receiver
// safe so a disabled Metrics can be wired through every call site
// without a feature-flag check at each one.
type Metrics struct {
	registry *prometheus.Registry

	scansStarted  *prometheus.CounterVec
	scansFinished *prometheus.CounterVec

	nodeTransitions *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolRetries      *prometheus.CounterVec

	schedulerInFlight *prometheus.GaugeVec

	findingsEmitted *prometheus.CounterVec

	checkpointSeq   *prometheus.GaugeVec
	checkpointSaves *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance, or returns nil when
// disabled so callers can pass the result straight through without a
// conditional.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initScanMetrics(cfg.Namespace)
	m.initNodeMetrics(cfg.Namespace)
	m.initToolMetrics(cfg.Namespace)
	m.initSchedulerMetrics(cfg.Namespace)
	m.initFindingMetrics(cfg.Namespace)
	m.initCheckpointMetrics(cfg.Namespace)
	return m
}

func (m *Metrics) initScanMetrics(namespace string) {
	m.scansStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "started_total",
			Help:      "Total number of scan requests accepted by a tool adapter",
		},
		[]string{"tool_id"},
	)
	m.scansFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "finished_total",
			Help:      "Total number of scan requests that reached a terminal state",
		},
		[]string{"tool_id", "outcome"},
	)
	m.registry.MustRegister(m.scansStarted, m.scansFinished)
}

func (m *Metrics) initNodeMetrics(namespace string) {
	m.nodeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "node_transitions_total",
			Help:      "Total number of workflow node state transitions",
		},
		[]string{"node_kind", "to_status"},
	)
	m.nodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "node_duration_seconds",
			Help:      "Workflow node execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13m
		},
		[]string{"node_kind"},
	)
	m.registry.MustRegister(m.nodeTransitions, m.nodeDuration)
}

func (m *Metrics) initToolMetrics(namespace string) {
	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total number of adapter Run invocations",
		},
		[]string{"tool_id", "outcome"},
	)
	m.toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Adapter execute() duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~55m
		},
		[]string{"tool_id"},
	)
	m.toolRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "retries_total",
			Help:      "Total number of scheduler-driven retries of a tool task",
		},
		[]string{"tool_id"},
	)
	m.registry.MustRegister(m.toolCalls, m.toolCallDuration, m.toolRetries)
}

func (m *Metrics) initSchedulerMetrics(namespace string) {
	m.schedulerInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "in_flight",
			Help:      "Number of tool tasks currently executing",
		},
		[]string{"pool"},
	)
	m.registry.MustRegister(m.schedulerInFlight)
}

func (m *Metrics) initFindingMetrics(namespace string) {
	m.findingsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finding",
			Name:      "emitted_total",
			Help:      "Total number of unified findings emitted after aggregation",
		},
		[]string{"severity"},
	)
	m.registry.MustRegister(m.findingsEmitted)
}

func (m *Metrics) initCheckpointMetrics(namespace string) {
	m.checkpointSeq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "sequence",
			Help:      "Latest checkpoint sequence number for a workflow",
		},
		[]string{"workflow_id"},
	)
	m.checkpointSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "saves_total",
			Help:      "Total number of checkpoints persisted",
		},
		[]string{"workflow_id"},
	)
	m.registry.MustRegister(m.checkpointSeq, m.checkpointSaves)
}

func (m *Metrics) RecordScanStarted(toolID string) {
	if m == nil {
		return
	}
	m.scansStarted.WithLabelValues(toolID).Inc()
}

func (m *Metrics) RecordScanFinished(toolID, outcome string) {
	if m == nil {
		return
	}
	m.scansFinished.WithLabelValues(toolID, outcome).Inc()
}

func (m *Metrics) RecordNodeTransition(nodeKind, toStatus string) {
	if m == nil {
		return
	}
	m.nodeTransitions.WithLabelValues(nodeKind, toStatus).Inc()
}

func (m *Metrics) RecordNodeDuration(nodeKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(nodeKind).Observe(d.Seconds())
}

func (m *Metrics) RecordToolCall(toolID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolID, outcome).Inc()
	m.toolCallDuration.WithLabelValues(toolID).Observe(d.Seconds())
}

func (m *Metrics) RecordToolRetry(toolID string) {
	if m == nil {
		return
	}
	m.toolRetries.WithLabelValues(toolID).Inc()
}

func (m *Metrics) SetSchedulerInFlight(pool string, n int) {
	if m == nil {
		return
	}
	m.schedulerInFlight.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) RecordFindingEmitted(severity string) {
	if m == nil {
		return
	}
	m.findingsEmitted.WithLabelValues(severity).Inc()
}

func (m *Metrics) SetCheckpointSequence(workflowID string, seq int64) {
	if m == nil {
		return
	}
	m.checkpointSeq.WithLabelValues(workflowID).Set(float64(seq))
	m.checkpointSaves.WithLabelValues(workflowID).Inc()
}

// Handler serves this registry's metrics in the Prometheus exposition
// format. When m is nil it returns a handler that responds 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
