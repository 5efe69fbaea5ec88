package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithParentTaskID(ctx, "task-0")
	ctx = WithAgentID(ctx, "agent-1")
	ctx = WithConversationID(ctx, "conv-1")

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", got)
	}
	if got := GetTaskID(ctx); got != "task-1" {
		t.Errorf("Expected task ID task-1, got %s", got)
	}
	if got := GetParentTaskID(ctx); got != "task-0" {
		t.Errorf("Expected parent task ID task-0, got %s", got)
	}
	if got := GetAgentID(ctx); got != "agent-1" {
		t.Errorf("Expected agent ID agent-1, got %s", got)
	}
	if got := GetConversationID(ctx); got != "conv-1" {
		t.Errorf("Expected conversation ID conv-1, got %s", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetTaskID(ctx) != "" || GetAgentID(ctx) != "" {
		t.Error("Expected empty values on empty context")
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	tc := &TraceContext{
		TraceID:        "trace-9",
		TaskID:         "task-9",
		ParentTaskID:   "task-8",
		AgentID:        "agent-9",
		ConversationID: "conv-9",
	}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", *tc, *got)
	}
}
