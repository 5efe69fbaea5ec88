package orchestrator

import (
	"fmt"
	"sync"
)

type registryEntry struct {
	agent    Agent
	identity AgentIdentity
	active   int // invocations in flight
}

// Registry holds registered agents in registration order
type Registry struct {
	agents map[string]*registryEntry
	order  []string
	mu     sync.RWMutex
}

// NewRegistry creates a new agent registry
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*registryEntry),
	}
}

// Register adds agent with its status forced to idle
func (r *Registry) Register(agent Agent) (AgentIdentity, error) {
	if agent == nil {
		return AgentIdentity{}, fmt.Errorf("%w: agent is nil", ErrInvalidAgent)
	}

	identity := agent.Identity().clone()
	if err := identity.Validate(); err != nil {
		return AgentIdentity{}, err
	}
	if identity.Type == "" {
		identity.Type = AgentTypeWorker
	}
	if identity.Name == "" {
		identity.Name = identity.ID
	}
	identity.Status = AgentStatusIdle

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[identity.ID]; exists {
		return AgentIdentity{}, fmt.Errorf("%w: %s", ErrAgentExists, identity.ID)
	}

	r.agents[identity.ID] = &registryEntry{agent: agent, identity: identity}
	r.order = append(r.order, identity.ID)
	return identity.clone(), nil
}

// Unregister removes an agent and returns it
func (r *Registry) Unregister(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return entry.agent, nil
}

// Get retrieves an agent by ID
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return entry.agent, nil
}

// Identity returns the registry's view of an agent, including its live status
func (r *Registry) Identity(id string) (AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.agents[id]
	if !exists {
		return AgentIdentity{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return entry.identity.clone(), nil
}

// List returns all identities in registration order
func (r *Registry) List() []AgentIdentity {
	return r.filter(func(AgentIdentity) bool { return true })
}

// ListByType returns all agents of type t in registration order
func (r *Registry) ListByType(t AgentType) []AgentIdentity {
	return r.filter(func(a AgentIdentity) bool { return a.Type == t })
}

// Eligible returns idle agents advertising every required capability,
// in registration order
func (r *Registry) Eligible(required []string) []AgentIdentity {
	return r.filter(func(a AgentIdentity) bool {
		return a.Status == AgentStatusIdle && a.HasCapabilities(required)
	})
}

func (r *Registry) filter(keep func(AgentIdentity) bool) []AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]AgentIdentity, 0, len(r.order))
	for _, id := range r.order {
		identity := r.agents[id].identity
		if keep(identity) {
			identities = append(identities, identity.clone())
		}
	}
	return identities
}

// SetStatus updates the status of a registered agent
func (r *Registry) SetStatus(id string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	entry.identity.Status = status
	return nil
}

// Acquire marks an agent busy for one more in-flight invocation
func (r *Registry) Acquire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	entry.active++
	entry.identity.Status = AgentStatusBusy
	return nil
}

// Release ends one invocation started with Acquire. The agent returns to
// idle only when no other invocation is still running on it.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[id]
	if !exists || entry.active == 0 {
		return
	}
	entry.active--
	if entry.active == 0 && entry.identity.Status == AgentStatusBusy {
		entry.identity.Status = AgentStatusIdle
	}
}

// IDs returns all agent IDs in registration order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Exists checks if an agent is registered
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[id]
	return exists
}

// Count returns the number of registered agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.agents)
}
