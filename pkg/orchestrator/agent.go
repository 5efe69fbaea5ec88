package orchestrator

import (
	"context"

	"github.com/harun/swarm/pkg/state"
)

// Agent is the contract every worker fulfils
type Agent interface {
	// Identity describes the agent. It is read once, at registration.
	Identity() AgentIdentity
	// HandleTaskRequest performs one unit of work
	HandleTaskRequest(ctx context.Context, req TaskRequest) (TaskResponse, error)
}

// MessageHandler is implemented by agents that consume routed messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandoffAcceptor is implemented by agents that can decline handoffs
type HandoffAcceptor interface {
	CanAcceptHandoff(ctx context.Context, req HandoffRequest) bool
}

// HandoffReceiver is implemented by agents that take over handed-off work
type HandoffReceiver interface {
	AcceptHandoff(ctx context.Context, req HandoffRequest) error
}

// RegisterHook is called once the agent is registered
type RegisterHook interface {
	OnRegister(h Handle)
}

// UnregisterHook is called after the agent is removed
type UnregisterHook interface {
	OnUnregister()
}

// Handle gives a registered agent access to the orchestrator that owns it
type Handle interface {
	State() *state.Store
	SendMessage(ctx context.Context, msg Message) (Message, error)
	Broadcast(ctx context.Context, from string, payload interface{}) (Message, error)
	RequestHandoff(ctx context.Context, req HandoffRequest) HandoffResult
}

// TaskFunc is the body of a FuncAgent
type TaskFunc func(ctx context.Context, req TaskRequest) (interface{}, error)

// FuncAgent adapts a plain function into an Agent
type FuncAgent struct {
	identity AgentIdentity
	fn       TaskFunc
}

// NewFuncAgent creates an agent whose work is done by fn
func NewFuncAgent(identity AgentIdentity, fn TaskFunc) *FuncAgent {
	return &FuncAgent{identity: identity, fn: fn}
}

// Identity returns the agent identity
func (a *FuncAgent) Identity() AgentIdentity {
	return a.identity
}

// HandleTaskRequest runs the wrapped function
func (a *FuncAgent) HandleTaskRequest(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	output, err := a.fn(ctx, req)
	if err != nil {
		return TaskResponse{}, err
	}
	return TaskResponse{
		TaskID:  req.ID,
		AgentID: a.identity.ID,
		Status:  StatusSuccess,
		Output:  output,
	}, nil
}
