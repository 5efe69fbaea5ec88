package cli

import (
	"context"
	"fmt"

	"github.com/harun/swarm/pkg/orchestrator"
	"github.com/harun/swarm/pkg/state"
)

// demoAgent echoes its input back together with a vote, and counts its
// runs in the shared state under "runs.<id>".
type demoAgent struct {
	identity orchestrator.AgentIdentity
	handle   orchestrator.Handle
}

func newDemoAgent(id string, agentType orchestrator.AgentType) *demoAgent {
	return &demoAgent{
		identity: orchestrator.AgentIdentity{
			ID:           id,
			Name:         id,
			Type:         agentType,
			Capabilities: []string{"echo", "vote"},
			Version:      version,
		},
	}
}

func (a *demoAgent) Identity() orchestrator.AgentIdentity {
	return a.identity
}

func (a *demoAgent) OnRegister(h orchestrator.Handle) {
	a.handle = h
}

func (a *demoAgent) HandleTaskRequest(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.TaskResponse, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.TaskResponse{}, err
	}

	output := map[string]interface{}{
		"agent": a.identity.ID,
		"input": req.Input,
		"vote":  voteOf(req.Input),
	}

	if a.handle != nil {
		change, err := a.handle.State().Increment("runs."+a.identity.ID, 1, a.identity.ID, state.SkipLockCheck())
		if err != nil {
			return orchestrator.TaskResponse{}, fmt.Errorf("failed to record run: %w", err)
		}
		output["run"] = change.NewValue
	}

	return orchestrator.TaskResponse{
		TaskID:  req.ID,
		AgentID: a.identity.ID,
		Status:  orchestrator.StatusSuccess,
		Output:  output,
	}, nil
}

// voteOf keeps the vote stable across a chain of demo agents
func voteOf(input interface{}) string {
	if m, ok := input.(map[string]interface{}); ok {
		if vote, ok := m["vote"].(string); ok {
			return vote
		}
	}
	return fmt.Sprint(input)
}

// demoAgents builds n agents. The hierarchical pattern gets a coordinator
// in front of n-1 workers; every other pattern gets n workers.
func demoAgents(n int, pattern orchestrator.Pattern) []orchestrator.Agent {
	agents := make([]orchestrator.Agent, 0, n)
	for i := 0; i < n; i++ {
		agentType := orchestrator.AgentTypeWorker
		if pattern == orchestrator.PatternHierarchical && i == 0 {
			agentType = orchestrator.AgentTypeCoordinator
		}
		agents = append(agents, newDemoAgent(fmt.Sprintf("agent-%d", i+1), agentType))
	}
	return agents
}
