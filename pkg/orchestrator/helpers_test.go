package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(opts...)
	t.Cleanup(func() {
		_ = o.Stop(context.Background())
	})
	return o
}

func funcAgent(id string, agentType AgentType, fn TaskFunc, capabilities ...string) *FuncAgent {
	return NewFuncAgent(AgentIdentity{
		ID:           id,
		Name:         id,
		Type:         agentType,
		Capabilities: capabilities,
		Version:      "1.0.0",
	}, fn)
}

func constAgent(id string, output interface{}) *FuncAgent {
	return funcAgent(id, AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
		return output, nil
	})
}

func mustRegister(t *testing.T, o *Orchestrator, agents ...Agent) {
	t.Helper()
	for _, a := range agents {
		_, err := o.RegisterAgent(a)
		require.NoError(t, err)
	}
}

// mockAgent implements every optional agent interface
type mockAgent struct {
	mock.Mock
	identity AgentIdentity
}

func newMockAgent(id string, capabilities ...string) *mockAgent {
	return &mockAgent{identity: AgentIdentity{ID: id, Type: AgentTypeSpecialist, Capabilities: capabilities}}
}

func (m *mockAgent) Identity() AgentIdentity {
	return m.identity
}

func (m *mockAgent) HandleTaskRequest(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(TaskResponse), args.Error(1)
}

func (m *mockAgent) HandleMessage(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockAgent) CanAcceptHandoff(ctx context.Context, req HandoffRequest) bool {
	args := m.Called(ctx, req)
	return args.Bool(0)
}

func (m *mockAgent) AcceptHandoff(ctx context.Context, req HandoffRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// hookAgent records lifecycle hook calls
type hookAgent struct {
	*FuncAgent
	handle       Handle
	unregistered bool
}

func (h *hookAgent) OnRegister(handle Handle) {
	h.handle = handle
}

func (h *hookAgent) OnUnregister() {
	h.unregistered = true
}

// eventRecorder collects emitted events
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
