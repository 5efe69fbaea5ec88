package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/swarm/internal/metrics"
	"github.com/harun/swarm/pkg/state"
	"github.com/rs/zerolog"
)

// SystemSender is the sender ID of messages originating from the orchestrator
const SystemSender = "orchestrator"

var _ Handle = (*Orchestrator)(nil)

// Orchestrator owns a set of agents, the shared state they work on and the
// machinery that routes tasks, messages and handoffs between them.
type Orchestrator struct {
	id         string
	registry   *Registry
	events     *EventBus
	router     *Router
	handoffs   *HandoffCoordinator
	dispatcher *Dispatcher
	scheduler  *Scheduler
	heartbeat  *heartbeat
	store      *state.Store

	unsubscribeState func()

	logger            zerolog.Logger
	metrics           *metrics.Metrics
	maxConcurrent     int
	mailboxSize       int
	heartbeatInterval time.Duration

	mu      sync.Mutex
	started bool
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithStore sets the shared state store
func WithStore(store *state.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithMaxConcurrent sets the maximum number of agents a fan-out pattern runs at once
func WithMaxConcurrent(max int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrent = max
	}
}

// WithHeartbeatInterval sets the heartbeat broadcast period
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.heartbeatInterval = interval
	}
}

// WithMailboxSize sets how many messages are kept per agent
func WithMailboxSize(size int) Option {
	return func(o *Orchestrator) {
		o.mailboxSize = size
	}
}

// New creates a new Orchestrator instance
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		id:                uuid.New().String(),
		logger:            zerolog.Nop(),
		maxConcurrent:     DefaultMaxConcurrent,
		mailboxSize:       DefaultMailboxSize,
		heartbeatInterval: DefaultHeartbeatInterval,
	}

	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.With().Str("component", "orchestrator").Str("orchestrator_id", o.id).Logger()
	if o.store == nil {
		o.store = state.New(state.Config{Logger: o.logger, Metrics: o.metrics})
	}

	o.registry = NewRegistry()
	o.events = NewEventBus(o.logger)
	o.router = NewRouter(o.registry, o.events, o.metrics, o.logger, o.mailboxSize)
	o.handoffs = NewHandoffCoordinator(o.registry, o.events, o.metrics, o.logger)
	o.dispatcher = NewDispatcher(o.registry, o.events, o.metrics, o.logger, o.maxConcurrent)
	o.scheduler = newScheduler(o.ExecuteTask, o.logger)
	o.heartbeat = newHeartbeat(o.heartbeatInterval, o.sendHeartbeat, o.logger)

	o.unsubscribeState = o.store.SubscribeAll(func(change state.StateChange) {
		o.events.Emit(Event{
			Type:    EventStateChanged,
			AgentID: change.Author,
			Data: map[string]interface{}{
				"key":       change.Key,
				"operation": string(change.Operation),
				"version":   change.Version,
			},
		})
	})

	return o
}

// ID returns the orchestrator identifier
func (o *Orchestrator) ID() string {
	return o.id
}

// Start begins the heartbeat and the task scheduler
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true

	o.heartbeat.start()
	o.scheduler.start()

	o.logger.Info().Int("agents", o.registry.Count()).Msg("Orchestrator started")
	return nil
}

// Stop halts the heartbeat and scheduler, then unregisters every agent.
// Stop is safe to call on an orchestrator that was never started.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	wasStarted := o.started
	o.started = false
	o.mu.Unlock()

	if wasStarted {
		o.heartbeat.stop()

		done := make(chan struct{})
		go func() {
			o.scheduler.stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn().Msg("Timed out waiting for scheduled tasks")
		}
	}

	ids := o.registry.IDs()
	for _, id := range ids {
		if err := o.UnregisterAgent(id); err != nil {
			o.logger.Debug().Err(err).Str("agent_id", id).Msg("Agent already gone during stop")
		}
	}

	o.logger.Info().Int("agents_unregistered", len(ids)).Msg("Orchestrator stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// RegisterAgent registers an agent and hands it a Handle on this orchestrator
func (o *Orchestrator) RegisterAgent(agent Agent) (AgentIdentity, error) {
	identity, err := o.registry.Register(agent)
	if err != nil {
		return AgentIdentity{}, err
	}

	if hook, ok := agent.(RegisterHook); ok {
		hook.OnRegister(o)
	}

	o.metrics.SetAgentsRegistered(o.registry.Count())
	o.events.Emit(Event{
		Type:    EventAgentRegistered,
		AgentID: identity.ID,
		Data: map[string]interface{}{
			"type":         string(identity.Type),
			"capabilities": identity.Capabilities,
		},
	})
	o.logger.Info().
		Str("agent_id", identity.ID).
		Str("type", string(identity.Type)).
		Msg("Agent registered")

	return identity, nil
}

// UnregisterAgent removes an agent
func (o *Orchestrator) UnregisterAgent(id string) error {
	agent, err := o.registry.Unregister(id)
	if err != nil {
		return err
	}

	o.router.forget(id)
	if hook, ok := agent.(UnregisterHook); ok {
		hook.OnUnregister()
	}

	o.metrics.SetAgentsRegistered(o.registry.Count())
	o.events.Emit(Event{Type: EventAgentUnregistered, AgentID: id})
	o.logger.Info().Str("agent_id", id).Msg("Agent unregistered")
	return nil
}

// GetAgent retrieves the identity of an agent, including its live status
func (o *Orchestrator) GetAgent(id string) (AgentIdentity, error) {
	return o.registry.Identity(id)
}

// ListAgents returns all agents in registration order
func (o *Orchestrator) ListAgents() []AgentIdentity {
	return o.registry.List()
}

// ExecuteTask runs req under pattern
func (o *Orchestrator) ExecuteTask(ctx context.Context, req TaskRequest, pattern Pattern) (TaskResponse, error) {
	resp, err := o.dispatcher.Execute(ctx, req, pattern)
	if err != nil {
		o.events.Emit(Event{
			Type:   EventError,
			TaskID: req.ID,
			Error:  err.Error(),
			Data:   map[string]interface{}{"pattern": string(pattern)},
		})
	}
	return resp, err
}

// CancelTask cancels a running task
func (o *Orchestrator) CancelTask(id string) error {
	return o.dispatcher.Cancel(id)
}

// GetTaskStatus returns the record of a task
func (o *Orchestrator) GetTaskStatus(id string) (TaskRecord, error) {
	return o.dispatcher.Status(id)
}

// ScheduleTask runs req under pattern on a cron schedule while the orchestrator is started
func (o *Orchestrator) ScheduleTask(spec string, req TaskRequest, pattern Pattern) (string, error) {
	return o.scheduler.Add(spec, req, pattern)
}

// Unschedule removes a schedule
func (o *Orchestrator) Unschedule(id string) error {
	return o.scheduler.Remove(id)
}

// ListSchedules returns all registered schedules
func (o *Orchestrator) ListSchedules() []ScheduledTask {
	return o.scheduler.List()
}

// SendMessage routes msg to its recipients
func (o *Orchestrator) SendMessage(ctx context.Context, msg Message) (Message, error) {
	return o.router.Send(ctx, msg)
}

// Broadcast sends payload to every agent except the sender
func (o *Orchestrator) Broadcast(ctx context.Context, from string, payload interface{}) (Message, error) {
	return o.router.Broadcast(ctx, from, MessageBroadcast, payload)
}

// Mailbox returns the messages held for an agent
func (o *Orchestrator) Mailbox(agentID string) []Message {
	return o.router.Mailbox(agentID)
}

// DrainMailbox returns and clears the messages held for an agent
func (o *Orchestrator) DrainMailbox(agentID string) []Message {
	return o.router.Drain(agentID)
}

func (o *Orchestrator) sendHeartbeat(ctx context.Context) {
	_, err := o.router.Broadcast(ctx, SystemSender, MessageHeartbeat, map[string]interface{}{
		"orchestrator_id": o.id,
		"agents":          o.registry.Count(),
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("Heartbeat delivery failed")
	}
}

// RequestHandoff asks another agent to take over a task
func (o *Orchestrator) RequestHandoff(ctx context.Context, req HandoffRequest) HandoffResult {
	return o.handoffs.Request(ctx, req)
}

// State returns the shared state store
func (o *Orchestrator) State() *state.Store {
	return o.store
}

// GetState returns a snapshot of the shared state
func (o *Orchestrator) GetState() state.Snapshot {
	return o.store.Snapshot()
}

// UpdateState applies a single operation to the shared state
func (o *Orchestrator) UpdateState(op state.Operation) (state.StateChange, error) {
	return o.store.Apply(op)
}

// SubscribeToState registers fn for every committed state change
func (o *Orchestrator) SubscribeToState(fn state.Subscriber) func() {
	return o.store.SubscribeAll(fn)
}

// On registers an event listener
func (o *Orchestrator) On(handler EventHandler) func() {
	return o.events.On(handler)
}

// Close detaches the orchestrator from a store it may share with others
func (o *Orchestrator) Close() {
	if o.unsubscribeState != nil {
		o.unsubscribeState()
		o.unsubscribeState = nil
	}
}
