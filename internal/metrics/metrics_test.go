package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	require.NotNil(t, m)
	assert.NotNil(t, m.registry)
	assert.NotNil(t, m.TasksTotal)
	assert.NotNil(t, m.TaskDuration)
	assert.NotNil(t, m.AgentInvocationsTotal)
	assert.NotNil(t, m.AgentsRegistered)
	assert.NotNil(t, m.StateMutationsTotal)
	assert.NotNil(t, m.StateVersion)
	assert.NotNil(t, m.TransactionsTotal)
	assert.NotNil(t, m.LockAcquisitionsTotal)
	assert.NotNil(t, m.MessagesTotal)
	assert.NotNil(t, m.HandoffsTotal)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record some sample metrics so they appear in output
	m.RecordTask("parallel", "success", 250*time.Millisecond)
	m.RecordAgentInvocation("agent-1", "success")
	m.SetAgentsRegistered(3)
	m.RecordStateMutation("set", 7)
	m.RecordTransaction("committed")
	m.RecordLockAcquisition(true)
	m.RecordMessage("broadcast")
	m.RecordHandoff(false)

	handler := m.Handler()
	require.NotNil(t, handler)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	expectedMetrics := []string{
		"swarm_tasks_total",
		"swarm_task_duration_seconds",
		"swarm_agent_invocations_total",
		"swarm_agents_registered",
		"swarm_state_mutations_total",
		"swarm_state_version",
		"swarm_state_transactions_total",
		"swarm_state_lock_acquisitions_total",
		"swarm_messages_total",
		"swarm_handoffs_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	m.RecordTask("sequential", "failure", time.Second)
	m.RecordAgentInvocation("agent-1", "failure")
	m.RecordStateMutation("delete", 1)
	m.RecordTransaction("rolled_back")
	m.RecordLockAcquisition(false)
	m.RecordMessage("request")
	m.RecordHandoff(true)

	metricFamilies, err := m.Registry().Gather()
	require.NoError(t, err)

	metricNames := make(map[string]bool)
	for _, mf := range metricFamilies {
		metricNames[mf.GetName()] = true
	}

	assert.Len(t, metricNames, 10)
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()

	t.Run("state mutation updates version gauge", func(t *testing.T) {
		m.RecordStateMutation("increment", 42)

		assert.Equal(t, float64(42), testutil.ToFloat64(m.StateVersion))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.StateMutationsTotal.WithLabelValues("increment")))
	})

	t.Run("lock acquisition labels", func(t *testing.T) {
		m.RecordLockAcquisition(true)
		m.RecordLockAcquisition(false)
		m.RecordLockAcquisition(false)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.LockAcquisitionsTotal.WithLabelValues("acquired")))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.LockAcquisitionsTotal.WithLabelValues("contended")))
	})

	t.Run("handoff labels", func(t *testing.T) {
		m.RecordHandoff(true)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.HandoffsTotal.WithLabelValues("accepted")))
	})

	t.Run("agents gauge", func(t *testing.T) {
		m.SetAgentsRegistered(5)
		m.SetAgentsRegistered(2)

		assert.Equal(t, float64(2), testutil.ToFloat64(m.AgentsRegistered))
	})
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordTask("parallel", "success", time.Millisecond)
		m.RecordAgentInvocation("a", "success")
		m.SetAgentsRegistered(1)
		m.RecordStateMutation("set", 1)
		m.RecordTransaction("committed")
		m.RecordLockAcquisition(true)
		m.RecordMessage("broadcast")
		m.RecordHandoff(true)
	})
}
