package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/swarm/internal/metrics"
	"github.com/harun/swarm/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxConcurrent bounds how many agents a fan-out pattern runs at once
const DefaultMaxConcurrent = 10

const tracerName = "swarm/orchestrator"

type taskEntry struct {
	record TaskRecord
	cancel context.CancelFunc
}

// Dispatcher executes tasks under a collaboration pattern
type Dispatcher struct {
	registry      *Registry
	events        *EventBus
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	maxConcurrent int

	tasks map[string]*taskEntry
	mu    sync.RWMutex
	now   func() time.Time
}

// NewDispatcher creates a task dispatcher
func NewDispatcher(registry *Registry, events *EventBus, m *metrics.Metrics, logger zerolog.Logger, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		registry:      registry,
		events:        events,
		metrics:       m,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		tasks:         make(map[string]*taskEntry),
		now:           time.Now,
	}
}

// Execute runs req under pattern. Setup problems (unknown pattern, no or too
// few eligible agents) are returned as errors; everything that goes wrong
// while agents work is reported through the response status.
func (d *Dispatcher) Execute(ctx context.Context, req TaskRequest, pattern Pattern) (resp TaskResponse, err error) {
	if !pattern.Valid() {
		return TaskResponse{}, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
	}

	if req.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return TaskResponse{}, fmt.Errorf("failed to generate task ID: %w", err)
		}
		req.ID = id
	}

	var parentID, conversationID string
	if req.Context != nil {
		parentID = req.Context.ParentTaskID
		conversationID = req.Context.ConversationID
	}
	ctx = tracing.NewTaskContext(ctx, req.ID, parentID, conversationID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "task.execute",
		attribute.String("task.id", req.ID),
		attribute.String("task.pattern", string(pattern)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, d.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := d.now()
	if err := d.track(req.ID, pattern, start, cancel); err != nil {
		return TaskResponse{}, err
	}

	logger.Info().Str("pattern", string(pattern)).Msg("Task started")

	if verr := validateInput(req); verr != nil {
		resp = failedResponse(req.ID, verr)
	} else if resp, err = d.run(ctx, req, pattern); err != nil {
		d.finish(req.ID, TaskStatusFailed, err.Error())
		d.metrics.RecordTask(string(pattern), string(StatusFailure), d.now().Sub(start))
		logger.Warn().Err(err).Msg("Task could not be dispatched")
		return TaskResponse{}, err
	}

	// agents may ignore cancellation; a cancelled task never reports success
	if d.status(req.ID) == TaskStatusCancelled && resp.Status != StatusFailure {
		resp = failedResponse(req.ID, errTaskCancelled)
	}

	end := d.now()
	resp.TaskID = req.ID
	resp.Metrics = &TaskMetrics{StartTime: start, EndTime: end}

	switch resp.Status {
	case StatusFailure:
		d.finish(req.ID, TaskStatusFailed, resp.Error)
	default:
		d.finish(req.ID, TaskStatusCompleted, "")
	}

	span.SetAttributes(attribute.String("task.status", string(resp.Status)))
	d.metrics.RecordTask(string(pattern), string(resp.Status), end.Sub(start))

	logger.Info().
		Str("pattern", string(pattern)).
		Str("status", string(resp.Status)).
		Dur("duration", end.Sub(start)).
		Msg("Task finished")

	return resp, nil
}

func (d *Dispatcher) run(ctx context.Context, req TaskRequest, pattern Pattern) (TaskResponse, error) {
	switch pattern {
	case PatternSequential, PatternPipeline:
		return d.executeSequential(ctx, req)
	case PatternParallel:
		return d.executeParallel(ctx, req)
	case PatternHierarchical:
		return d.executeHierarchical(ctx, req)
	case PatternConsensus:
		return d.executeConsensus(ctx, req)
	case PatternScatterGather:
		return d.executeScatterGather(ctx, req)
	default:
		return TaskResponse{}, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
	}
}

var errTaskCancelled = errors.New("task cancelled")

// invoke runs one agent on req. The agent is busy for the duration of the
// call and idle again once its last in-flight call returns, whatever the
// outcome. A returned error, a panic or a failure status all count as failure.
func (d *Dispatcher) invoke(ctx context.Context, identity AgentIdentity, req TaskRequest) (resp TaskResponse, err error) {
	agent, err := d.registry.Get(identity.ID)
	if err != nil {
		return failedResponse(req.ID, err), err
	}

	if err := d.registry.Acquire(identity.ID); err != nil {
		return failedResponse(req.ID, err), err
	}
	defer d.registry.Release(identity.ID)

	ctx = tracing.PropagateToAgent(ctx, identity.ID)
	d.events.Emit(Event{Type: EventTaskStarted, AgentID: identity.ID, TaskID: req.ID})

	resp, err = d.call(ctx, agent, req)
	if err == nil && resp.Status == StatusFailure {
		msg := resp.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		err = errors.New(msg)
	}

	if resp.TaskID == "" {
		resp.TaskID = req.ID
	}
	resp.AgentID = identity.ID

	if err != nil {
		resp.Status = StatusFailure
		resp.Error = err.Error()
		d.metrics.RecordAgentInvocation(identity.ID, string(StatusFailure))
		d.events.Emit(Event{Type: EventTaskFailed, AgentID: identity.ID, TaskID: req.ID, Error: err.Error()})
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Warn().Err(err).Msg("Agent failed task")
		return resp, fmt.Errorf("agent %s: %w", identity.ID, err)
	}

	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	d.metrics.RecordAgentInvocation(identity.ID, string(resp.Status))
	d.events.Emit(Event{Type: EventTaskCompleted, AgentID: identity.ID, TaskID: req.ID})
	return resp, nil
}

func (d *Dispatcher) call(ctx context.Context, agent Agent, req TaskRequest) (resp TaskResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return agent.HandleTaskRequest(ctx, req)
}

func (d *Dispatcher) eligible(req TaskRequest) ([]AgentIdentity, error) {
	agents := d.registry.Eligible(req.requiredCapabilities())
	if len(agents) == 0 {
		if required := req.requiredCapabilities(); len(required) > 0 {
			return nil, fmt.Errorf("%w: capabilities %s", ErrNoEligibleAgents, strings.Join(required, ","))
		}
		return nil, ErrNoEligibleAgents
	}
	return agents, nil
}

func (d *Dispatcher) track(id string, pattern Pattern, start time.Time, cancel context.CancelFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.tasks[id]; ok && existing.record.Status == TaskStatusRunning {
		return fmt.Errorf("task %s is already running", id)
	}
	d.tasks[id] = &taskEntry{
		record: TaskRecord{
			ID:        id,
			Pattern:   pattern,
			Status:    TaskStatusRunning,
			StartedAt: start,
		},
		cancel: cancel,
	}
	return nil
}

// finish records the final status unless the task was cancelled meanwhile
func (d *Dispatcher) finish(id string, status TaskStatus, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.tasks[id]
	if !ok {
		return
	}
	entry.cancel = nil
	if entry.record.Status == TaskStatusCancelled {
		return
	}
	entry.record.Status = status
	entry.record.CompletedAt = d.now()
	entry.record.Error = errMsg
}

func (d *Dispatcher) status(id string) TaskStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if entry, ok := d.tasks[id]; ok {
		return entry.record.Status
	}
	return ""
}

// Cancel marks a running task cancelled and cancels its context. Agents
// observe it through ctx; sequential patterns stop before the next step.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	entry, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if entry.record.Status != TaskStatusRunning {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskNotRunning, id, entry.record.Status)
	}
	entry.record.Status = TaskStatusCancelled
	entry.record.CompletedAt = d.now()
	entry.record.Error = errTaskCancelled.Error()
	cancel := entry.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.logger.Info().Str("task_id", id).Msg("Task cancelled")
	return nil
}

// Status returns the record of a task
func (d *Dispatcher) Status(id string) (TaskRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.tasks[id]
	if !ok {
		return TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return entry.record, nil
}

// Tasks returns all task records
func (d *Dispatcher) Tasks() []TaskRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := make([]TaskRecord, 0, len(d.tasks))
	for _, entry := range d.tasks {
		records = append(records, entry.record)
	}
	return records
}

// validateInput checks req.Input against Constraints.InputSchema, if set
func validateInput(req TaskRequest) error {
	if req.Constraints == nil || len(req.Constraints.InputSchema) == 0 {
		return nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(req.Constraints.InputSchema))
	if err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(req.Input))
	if err != nil {
		return fmt.Errorf("input validation failed: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("input validation errors: %v", errs)
	}

	return nil
}

func failedResponse(taskID string, err error) TaskResponse {
	return TaskResponse{
		TaskID: taskID,
		Status: StatusFailure,
		Error:  err.Error(),
	}
}
