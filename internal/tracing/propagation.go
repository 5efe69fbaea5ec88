package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// NewTaskContext starts a task scope: it keeps an existing trace ID (or creates
// one) and records the task, parent task and conversation identifiers.
func NewTaskContext(ctx context.Context, taskID, parentTaskID, conversationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTaskID(ctx, taskID)
	if parentTaskID != "" {
		ctx = WithParentTaskID(ctx, parentTaskID)
	}
	if conversationID != "" {
		ctx = WithConversationID(ctx, conversationID)
	}
	return ctx
}

// PropagateToAgent derives the context handed to a worker. The trace, task and
// conversation identifiers are kept; the agent ID is replaced.
func PropagateToAgent(ctx context.Context, agentID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithAgentID(ctx, agentID)
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	if tc.ParentTaskID != "" {
		lc = lc.Str("parent_task_id", tc.ParentTaskID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.ConversationID != "" {
		lc = lc.Str("conversation_id", tc.ConversationID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// CloneContext copies tracing information onto a fresh background context,
// detaching it from the source's cancellation.
func CloneContext(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
