package orchestrator

import (
	"context"
	"fmt"

	"github.com/harun/swarm/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// HandoffCoordinator moves a task from one agent to another on request
type HandoffCoordinator struct {
	registry *Registry
	events   *EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHandoffCoordinator creates a handoff coordinator
func NewHandoffCoordinator(registry *Registry, events *EventBus, m *metrics.Metrics, logger zerolog.Logger) *HandoffCoordinator {
	return &HandoffCoordinator{
		registry: registry,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

// Request resolves the target, asks it whether it accepts and, if so, hands
// the work over. It never returns an error; failures are reported in the result.
func (h *HandoffCoordinator) Request(ctx context.Context, req HandoffRequest) HandoffResult {
	if req.ID == "" {
		if id, err := gonanoid.New(); err == nil {
			req.ID = id
		}
	}

	h.events.Emit(Event{
		Type:    EventHandoffRequested,
		AgentID: req.SourceAgentID,
		TaskID:  req.TaskID,
		Data: map[string]interface{}{
			"handoff_id": req.ID,
			"target":     req.TargetAgentID,
			"reason":     string(req.Reason),
		},
	})

	result := h.handoff(ctx, req)

	h.metrics.RecordHandoff(result.Success)
	event := Event{
		Type:    EventHandoffCompleted,
		AgentID: req.SourceAgentID,
		TaskID:  req.TaskID,
		Data: map[string]interface{}{
			"handoff_id":  req.ID,
			"success":     result.Success,
			"accepted_by": result.AcceptedBy,
		},
	}
	if !result.Success {
		event.Error = result.RejectionReason
	}
	h.events.Emit(event)

	logEvent := h.logger.Info()
	if !result.Success {
		logEvent = h.logger.Warn().Str("rejection_reason", result.RejectionReason)
	}
	logEvent.
		Str("handoff_id", req.ID).
		Str("source", req.SourceAgentID).
		Str("target", req.TargetAgentID).
		Str("reason", string(req.Reason)).
		Bool("success", result.Success).
		Msg("Handoff processed")

	return result
}

func (h *HandoffCoordinator) handoff(ctx context.Context, req HandoffRequest) (result HandoffResult) {
	targetID, ok := h.resolveTarget(req)
	if !ok {
		return HandoffResult{RejectionReason: fmt.Sprintf("no agent available for %s", req.Reason)}
	}

	target, err := h.registry.Get(targetID)
	if err != nil {
		return HandoffResult{RejectionReason: err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			result = HandoffResult{RejectionReason: fmt.Sprintf("agent %s panicked during handoff: %v", targetID, r)}
		}
	}()

	if acceptor, ok := target.(HandoffAcceptor); ok && !acceptor.CanAcceptHandoff(ctx, req) {
		return HandoffResult{RejectionReason: fmt.Sprintf("agent %s declined handoff", targetID)}
	}

	if receiver, ok := target.(HandoffReceiver); ok {
		if err := receiver.AcceptHandoff(ctx, req); err != nil {
			return HandoffResult{RejectionReason: fmt.Sprintf("agent %s failed to accept handoff: %v", targetID, err)}
		}
	}

	return HandoffResult{Success: true, AcceptedBy: targetID}
}

// resolveTarget returns the explicit target, or for AutoTarget the first
// agent other than the source whose capabilities include the reason.
func (h *HandoffCoordinator) resolveTarget(req HandoffRequest) (string, bool) {
	if req.TargetAgentID != "" && req.TargetAgentID != AutoTarget {
		return req.TargetAgentID, true
	}

	for _, candidate := range h.registry.List() {
		if candidate.ID == req.SourceAgentID {
			continue
		}
		if candidate.HasCapability(string(req.Reason)) {
			return candidate.ID, true
		}
	}
	return "", false
}
