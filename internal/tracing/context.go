package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for the engine's context keys.
type ContextKey string

const (
	// TraceIDKey correlates every log line and span of one inbound request.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies a single agent loop invocation.
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey carries the conversation key the request belongs to.
	SessionKeyKey ContextKey = "session_key"
	// TaskIDKey identifies a subagent task when the run is a delegated one.
	TaskIDKey ContextKey = "task_id"
	// ToolCallIDKey carries the id of the tool call a handler is serving.
	ToolCallIDKey ContextKey = "tool_call_id"
)

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a fresh run id.
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID attaches a run id to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey attaches a session key to ctx.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithTaskID attaches a subagent task id to ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithToolCallID attaches a tool call id to ctx.
func WithToolCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, callID)
}

// GetTraceID returns the trace id or "".
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRunID returns the run id or "".
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(RunIDKey).(string); ok {
		return v
	}
	return ""
}

// GetSessionKey returns the session key or "".
func GetSessionKey(ctx context.Context) string {
	if v, ok := ctx.Value(SessionKeyKey).(string); ok {
		return v
	}
	return ""
}

// GetTaskID returns the subagent task id or "".
func GetTaskID(ctx context.Context) string {
	if v, ok := ctx.Value(TaskIDKey).(string); ok {
		return v
	}
	return ""
}

// GetToolCallID returns the tool call id or "".
func GetToolCallID(ctx context.Context) string {
	if v, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return v
	}
	return ""
}

// NewRequestContext stamps a fresh trace id for an inbound request.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext stamps a fresh run id for one agent loop invocation,
// keeping the request's trace id.
func NewRunContext(ctx context.Context, sessionKey string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	if sessionKey != "" {
		ctx = WithSessionKey(ctx, sessionKey)
	}
	return ctx
}

// ChildTaskContext derives a context for a subagent: the parent's trace id is
// kept so the whole delegation tree correlates, the run id is fresh, and the
// task id marks the child. The returned context is detached from the parent's
// cancellation; the supervisor owns the child's lifetime.
func ChildTaskContext(parent context.Context, taskID, childSessionKey string) context.Context {
	ctx := context.Background()
	traceID := GetTraceID(parent)
	if traceID == "" {
		traceID = NewTraceID()
	}
	ctx = WithTraceID(ctx, traceID)
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithTaskID(ctx, taskID)
	if childSessionKey != "" {
		ctx = WithSessionKey(ctx, childSessionKey)
	}
	return ctx
}

// LoggerFromContext returns a child logger stamped with whatever identifiers
// the context carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	logctx := base.With()
	if v := GetTraceID(ctx); v != "" {
		logctx = logctx.Str("trace_id", v)
	}
	if v := GetRunID(ctx); v != "" {
		logctx = logctx.Str("run_id", v)
	}
	if v := GetSessionKey(ctx); v != "" {
		logctx = logctx.Str("session_key", v)
	}
	if v := GetTaskID(ctx); v != "" {
		logctx = logctx.Str("task_id", v)
	}
	return logctx.Logger()
}
