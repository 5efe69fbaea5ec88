package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/swarm/pkg/orchestrator"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured entry in the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // agent ID
	Action    string                 `json:"action"`          // e.g. "task_completed", "handoff_requested"
	Status    string                 `json:"status"`          // "success", "failure"
	Subject   string                 `json:"subject,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger appends one JSON line per audit event
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger writes audit events to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLog opens (or creates) an append-only audit file
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file
	return a, nil
}

// Record writes event and, when ctx carries a recording span, attaches it
// to the span as an event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("event_time", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Subject != "" {
		entry.Str("subject", event.Subject)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit file, if any
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Attach records every orchestrator event until the returned func is called
func (a *AuditLogger) Attach(o *orchestrator.Orchestrator) func() {
	return o.On(func(e orchestrator.Event) {
		a.Record(context.Background(), FromEvent(e))
	})
}

// FromEvent maps an orchestrator event onto an audit entry
func FromEvent(e orchestrator.Event) AuditEvent {
	event := AuditEvent{
		Type:      auditType(e.Type),
		Timestamp: e.Timestamp,
		Actor:     e.AgentID,
		Action:    string(e.Type),
		Status:    "success",
		Subject:   e.TaskID,
		Metadata:  e.Data,
	}

	switch {
	case e.Error != "":
		event.Status = "failure"
		if event.Metadata == nil {
			event.Metadata = map[string]interface{}{}
		} else {
			event.Metadata = copyMetadata(e.Data)
		}
		event.Metadata["error"] = e.Error
	case e.Type == orchestrator.EventTaskFailed:
		event.Status = "failure"
	}

	return event
}

func auditType(t orchestrator.EventType) string {
	switch t {
	case orchestrator.EventAgentRegistered, orchestrator.EventAgentUnregistered:
		return "agent"
	case orchestrator.EventTaskStarted, orchestrator.EventTaskCompleted, orchestrator.EventTaskFailed:
		return "task"
	case orchestrator.EventHandoffRequested, orchestrator.EventHandoffCompleted:
		return "handoff"
	case orchestrator.EventStateChanged:
		return "state"
	case orchestrator.EventMessageSent:
		return "message"
	default:
		return "system"
	}
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
