package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/swarm/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// DefaultMailboxSize is the number of messages kept per agent
const DefaultMailboxSize = 100

// Router delivers messages between registered agents. Every recipient keeps a
// bounded mailbox; agents implementing MessageHandler are also called directly.
type Router struct {
	registry    *Registry
	events      *EventBus
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	mailboxSize int

	mailboxes map[string][]Message
	mu        sync.Mutex
	now       func() time.Time
}

// NewRouter creates a message router
func NewRouter(registry *Registry, events *EventBus, m *metrics.Metrics, logger zerolog.Logger, mailboxSize int) *Router {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Router{
		registry:    registry,
		events:      events,
		metrics:     m,
		logger:      logger,
		mailboxSize: mailboxSize,
		mailboxes:   make(map[string][]Message),
		now:         time.Now,
	}
}

// Send routes msg to each recipient in order and returns the stamped message.
// Delivery to one recipient failing does not stop delivery to the others;
// all failures are joined into the returned error.
func (r *Router) Send(ctx context.Context, msg Message) (Message, error) {
	if msg.From == "" {
		return msg, fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if len(msg.To) == 0 {
		return msg, fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	if msg.Type == "" {
		msg.Type = MessageRequest
	}
	if msg.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return msg, fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.ID = id
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	msg.To = append([]string(nil), msg.To...)

	var errs []error
	for _, recipient := range msg.To {
		if err := r.deliver(ctx, recipient, msg); err != nil {
			errs = append(errs, err)
		}
	}

	r.metrics.RecordMessage(string(msg.Type))
	r.events.Emit(Event{
		Type:    EventMessageSent,
		AgentID: msg.From,
		Data: map[string]interface{}{
			"message_id": msg.ID,
			"type":       string(msg.Type),
			"to":         msg.To,
		},
	})

	if len(errs) > 0 {
		return msg, errors.Join(errs...)
	}
	return msg, nil
}

// Broadcast sends payload from sender to every other registered agent
func (r *Router) Broadcast(ctx context.Context, from string, msgType MessageType, payload interface{}) (Message, error) {
	var recipients []string
	for _, id := range r.registry.IDs() {
		if id != from {
			recipients = append(recipients, id)
		}
	}

	msg := Message{Type: msgType, From: from, To: recipients, Payload: payload}
	if len(recipients) == 0 {
		// nothing to deliver; still stamp the message for the caller
		msg.Timestamp = r.now()
		return msg, nil
	}
	return r.Send(ctx, msg)
}

func (r *Router) deliver(ctx context.Context, recipient string, msg Message) (err error) {
	agent, err := r.registry.Get(recipient)
	if err != nil {
		return err
	}

	r.mu.Lock()
	box := append(r.mailboxes[recipient], msg)
	if over := len(box) - r.mailboxSize; over > 0 {
		box = append([]Message(nil), box[over:]...)
	}
	r.mailboxes[recipient] = box
	r.mu.Unlock()

	handler, ok := agent.(MessageHandler)
	if !ok {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent %s panicked handling message: %v", recipient, rec)
		}
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("message_id", msg.ID).
				Str("recipient", recipient).
				Msg("Message handler failed")
		}
	}()

	if err := handler.HandleMessage(ctx, msg); err != nil {
		return fmt.Errorf("agent %s: %w", recipient, err)
	}
	return nil
}

// Mailbox returns a copy of the messages held for agentID, oldest first
func (r *Router) Mailbox(agentID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Message(nil), r.mailboxes[agentID]...)
}

// Drain returns and clears the mailbox of agentID
func (r *Router) Drain(agentID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.mailboxes[agentID]
	delete(r.mailboxes, agentID)
	return box
}

// forget drops the mailbox of an unregistered agent
func (r *Router) forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, agentID)
}
