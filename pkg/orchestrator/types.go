package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAgentExists is returned when registering a duplicate agent ID
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned for unknown agent IDs
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidAgent is returned when an agent identity fails validation
	ErrInvalidAgent = errors.New("invalid agent identity")
	// ErrNoEligibleAgents is returned when no idle agent can take a task
	ErrNoEligibleAgents = errors.New("no eligible agents")
	// ErrInsufficientAgents is returned when a pattern needs more agents than are eligible
	ErrInsufficientAgents = errors.New("insufficient eligible agents")
	// ErrInvalidPattern is returned for unknown collaboration patterns
	ErrInvalidPattern = errors.New("invalid collaboration pattern")
	// ErrTaskNotFound is returned for unknown task IDs
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotRunning is returned when cancelling a task that already finished
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrInvalidMessage is returned for messages without sender or recipients
	ErrInvalidMessage = errors.New("invalid message")
)

// AgentType defines the role an agent plays in collaboration patterns
type AgentType string

const (
	AgentTypeCoordinator AgentType = "coordinator" // Splits and supervises work
	AgentTypeWorker      AgentType = "worker"      // Executes sub-tasks
	AgentTypeSpecialist  AgentType = "specialist"  // Domain expert
	AgentTypeValidator   AgentType = "validator"   // Reviews results
	AgentTypeRouter      AgentType = "router"      // Routes requests
	AgentTypeCustom      AgentType = "custom"
)

// Valid reports whether t is a known agent type
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeCoordinator, AgentTypeWorker, AgentTypeSpecialist,
		AgentTypeValidator, AgentTypeRouter, AgentTypeCustom:
		return true
	}
	return false
}

// AgentStatus represents the current status of an agent
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusWaiting AgentStatus = "waiting"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentIdentity describes a registered agent
type AgentIdentity struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Type         AgentType   `json:"type" yaml:"type"`
	Capabilities []string    `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Version      string      `json:"version,omitempty" yaml:"version,omitempty"`
	Status       AgentStatus `json:"status" yaml:"status"`
}

// Validate validates the agent identity
func (a AgentIdentity) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent ID is required", ErrInvalidAgent)
	}

	if a.Type != "" && !a.Type.Valid() {
		return fmt.Errorf("%w: unknown agent type: %s", ErrInvalidAgent, a.Type)
	}

	return nil
}

// HasCapability reports whether the agent advertises capability
func (a AgentIdentity) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the agent advertises every capability in required
func (a AgentIdentity) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

func (a AgentIdentity) clone() AgentIdentity {
	if a.Capabilities != nil {
		a.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return a
}

// TaskContext links a task to its parent task and conversation
type TaskContext struct {
	ParentTaskID   string `json:"parent_task_id,omitempty" yaml:"parent_task_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
}

// TaskConstraints are advisory limits plus eligibility filters for a task.
// MaxDuration, MaxCost and MaxTokens are metadata only and never enforced.
type TaskConstraints struct {
	MaxDuration          time.Duration          `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	MaxCost              float64                `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	MaxTokens            int                    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	InputSchema          map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// TaskRequest is a unit of work submitted to the dispatcher
type TaskRequest struct {
	ID          string           `json:"id" yaml:"id"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Input       interface{}      `json:"input,omitempty" yaml:"input,omitempty"`
	Context     *TaskContext     `json:"context,omitempty" yaml:"context,omitempty"`
	Constraints *TaskConstraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// withInput derives a copy of the request carrying a different input
func (r TaskRequest) withInput(input interface{}) TaskRequest {
	r.Input = input
	return r
}

func (r TaskRequest) requiredCapabilities() []string {
	if r.Constraints == nil {
		return nil
	}
	return r.Constraints.RequiredCapabilities
}

// ResponseStatus is the outcome of a task
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
	StatusPartial ResponseStatus = "partial"
)

// TaskMetrics captures timing of one task execution
type TaskMetrics struct {
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time" yaml:"end_time"`
	Retries   int       `json:"retries" yaml:"retries"`
}

// Duration returns the elapsed execution time
func (m TaskMetrics) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

// TaskResponse is the single result produced for a dispatched unit of work
type TaskResponse struct {
	TaskID  string         `json:"task_id" yaml:"task_id"`
	AgentID string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Status  ResponseStatus `json:"status" yaml:"status"`
	Output  interface{}    `json:"output,omitempty" yaml:"output,omitempty"`
	Error   string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metrics *TaskMetrics   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Pattern is a collaboration strategy
type Pattern string

const (
	PatternSequential    Pattern = "sequential"
	PatternParallel      Pattern = "parallel"
	PatternHierarchical  Pattern = "hierarchical"
	PatternConsensus     Pattern = "consensus"
	PatternPipeline      Pattern = "pipeline"
	PatternScatterGather Pattern = "scatter-gather"
)

// Patterns lists every supported collaboration pattern
func Patterns() []Pattern {
	return []Pattern{
		PatternSequential,
		PatternParallel,
		PatternHierarchical,
		PatternConsensus,
		PatternPipeline,
		PatternScatterGather,
	}
}

// Valid reports whether p is a known pattern
func (p Pattern) Valid() bool {
	for _, known := range Patterns() {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePattern converts a string into a Pattern
func ParsePattern(s string) (Pattern, error) {
	p := Pattern(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPattern, s)
	}
	return p, nil
}

// TaskStatus is the lifecycle state of a dispatched task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskRecord tracks a task from submission to completion
type TaskRecord struct {
	ID          string     `json:"id" yaml:"id"`
	Pattern     Pattern    `json:"pattern" yaml:"pattern"`
	Status      TaskStatus `json:"status" yaml:"status"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// MessageType classifies routed messages
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageBroadcast    MessageType = "broadcast"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageNotification MessageType = "notification"
)

// Message is an envelope routed between agents
type Message struct {
	ID            string      `json:"id" yaml:"id"`
	Type          MessageType `json:"type" yaml:"type"`
	From          string      `json:"from" yaml:"from"`
	To            []string    `json:"to" yaml:"to"`
	Payload       interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	Timestamp     time.Time   `json:"timestamp" yaml:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// HandoffReason explains why work moves between agents
type HandoffReason string

const (
	HandoffCapabilityMismatch HandoffReason = "capability_mismatch"
	HandoffWorkloadBalance    HandoffReason = "workload_balance"
	HandoffEscalation         HandoffReason = "escalation"
	HandoffSpecialization     HandoffReason = "specialization"
	HandoffErrorRecovery      HandoffReason = "error_recovery"
	HandoffUserRequest        HandoffReason = "user_request"
)

// AutoTarget lets the coordinator choose the handoff target
const AutoTarget = "auto"

// HandoffRequest asks to move a task from one agent to another
type HandoffRequest struct {
	ID            string                 `json:"id" yaml:"id"`
	TaskID        string                 `json:"task_id" yaml:"task_id"`
	SourceAgentID string                 `json:"source_agent_id" yaml:"source_agent_id"`
	TargetAgentID string                 `json:"target_agent_id" yaml:"target_agent_id"`
	Reason        HandoffReason          `json:"reason" yaml:"reason"`
	Payload       interface{}            `json:"payload,omitempty" yaml:"payload,omitempty"`
	State         map[string]interface{} `json:"state,omitempty" yaml:"state,omitempty"`
}

// HandoffResult reports the outcome of a handoff. Failures are values, not errors.
type HandoffResult struct {
	Success         bool   `json:"success" yaml:"success"`
	AcceptedBy      string `json:"accepted_by,omitempty" yaml:"accepted_by,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty" yaml:"rejection_reason,omitempty"`
}
