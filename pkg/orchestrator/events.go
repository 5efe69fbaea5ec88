package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies orchestrator lifecycle events
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentUnregistered EventType = "agent_unregistered"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventHandoffRequested  EventType = "handoff_requested"
	EventHandoffCompleted  EventType = "handoff_completed"
	EventStateChanged      EventType = "state_changed"
	EventMessageSent       EventType = "message_sent"
	EventError             EventType = "error"
)

// Event is delivered to every listener registered with On
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// EventHandler receives events synchronously on the emitting goroutine
type EventHandler func(Event)

type listener struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to listeners in registration order
type EventBus struct {
	listeners []listener
	seq       uint64
	mu        sync.RWMutex
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEventBus creates an event bus
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		now:    time.Now,
	}
}

// On registers handler and returns a function that removes it
func (b *EventBus) On(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	b.listeners = append(b.listeners, listener{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers event to all listeners. A panicking listener is logged and skipped.
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.RLock()
	listeners := make([]listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l.handler, event)
	}
}

func (b *EventBus) deliver(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(event.Type)).
				Str("panic", fmt.Sprint(r)).
				Msg("Event listener panicked")
		}
	}()
	handler(event)
}

// Count returns the number of registered listeners
func (b *EventBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
