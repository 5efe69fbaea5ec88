package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordination engine.
// All Record/Set helpers are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	TasksTotal            *prometheus.CounterVec
	TaskDuration          *prometheus.HistogramVec
	AgentInvocationsTotal *prometheus.CounterVec

	// Registry metrics
	AgentsRegistered prometheus.Gauge

	// Shared state metrics
	StateMutationsTotal   *prometheus.CounterVec
	StateVersion          prometheus.Gauge
	TransactionsTotal     *prometheus.CounterVec
	LockAcquisitionsTotal *prometheus.CounterVec

	// Routing metrics
	MessagesTotal *prometheus.CounterVec
	HandoffsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_tasks_total",
				Help: "Total number of executed tasks by pattern and status",
			},
			[]string{"pattern", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_task_duration_seconds",
				Help:    "Duration of task executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pattern"},
		),
		AgentInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_agent_invocations_total",
				Help: "Total number of agent task invocations by agent and status",
			},
			[]string{"agent_id", "status"},
		),

		AgentsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarm_agents_registered",
				Help: "Number of currently registered agents",
			},
		),

		StateMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_state_mutations_total",
				Help: "Total number of committed shared state mutations by operation",
			},
			[]string{"operation"},
		),
		StateVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarm_state_version",
				Help: "Current shared state version",
			},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_state_transactions_total",
				Help: "Total number of state transactions by outcome",
			},
			[]string{"outcome"},
		),
		LockAcquisitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_state_lock_acquisitions_total",
				Help: "Total number of lock acquisition attempts by result",
			},
			[]string{"result"},
		),

		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_messages_total",
				Help: "Total number of routed messages by type",
			},
			[]string{"type"},
		),
		HandoffsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_handoffs_total",
				Help: "Total number of handoff requests by result",
			},
			[]string{"result"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.AgentInvocationsTotal,
		m.AgentsRegistered,
		m.StateMutationsTotal,
		m.StateVersion,
		m.TransactionsTotal,
		m.LockAcquisitionsTotal,
		m.MessagesTotal,
		m.HandoffsTotal,
	)
}

// RecordTask records a finished task execution
func (m *Metrics) RecordTask(pattern, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(pattern, status).Inc()
	m.TaskDuration.WithLabelValues(pattern).Observe(duration.Seconds())
}

// RecordAgentInvocation records a single worker invocation
func (m *Metrics) RecordAgentInvocation(agentID, status string) {
	if m == nil {
		return
	}
	m.AgentInvocationsTotal.WithLabelValues(agentID, status).Inc()
}

// SetAgentsRegistered sets the registered agents gauge
func (m *Metrics) SetAgentsRegistered(count int) {
	if m == nil {
		return
	}
	m.AgentsRegistered.Set(float64(count))
}

// RecordStateMutation records a committed mutation and the resulting version
func (m *Metrics) RecordStateMutation(operation string, version uint64) {
	if m == nil {
		return
	}
	m.StateMutationsTotal.WithLabelValues(operation).Inc()
	m.StateVersion.Set(float64(version))
}

// RecordTransaction records a transaction outcome (committed, rolled_back)
func (m *Metrics) RecordTransaction(outcome string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
}

// RecordLockAcquisition records a lock acquisition attempt
func (m *Metrics) RecordLockAcquisition(acquired bool) {
	if m == nil {
		return
	}
	result := "acquired"
	if !acquired {
		result = "contended"
	}
	m.LockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// RecordMessage records a routed message
func (m *Metrics) RecordMessage(messageType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(messageType).Inc()
}

// RecordHandoff records a handoff attempt
func (m *Metrics) RecordHandoff(success bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !success {
		result = "rejected"
	}
	m.HandoffsTotal.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
