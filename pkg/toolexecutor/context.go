package toolexecutor

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type scopeKey struct{}

// handlerScope is what the executor hands down to a running handler.
type handlerScope struct {
	exec        *ExecutionContext
	toolID      string
	executionID string
}

func scopeFrom(ctx context.Context) handlerScope {
	if ctx == nil {
		return handlerScope{}
	}
	s, _ := ctx.Value(scopeKey{}).(handlerScope)
	return s
}

// ContextWithExecContext returns ctx carrying execCtx, as a handler would
// see it. The executor does this for every call; tests and callers driving
// a handler directly can use it too.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	s := scopeFrom(ctx)
	s.exec = execCtx
	return context.WithValue(ctx, scopeKey{}, s)
}

func withHandlerScope(ctx context.Context, toolID, executionID string, execCtx *ExecutionContext) context.Context {
	return context.WithValue(ctx, scopeKey{}, handlerScope{
		exec:        execCtx,
		toolID:      toolID,
		executionID: executionID,
	})
}

// ExecContextFromContext returns the caller's ExecutionContext, or nil.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	return scopeFrom(ctx).exec
}

// ExecutionIDFromContext returns the id of the execution a handler is
// running for, or "" outside the executor.
func ExecutionIDFromContext(ctx context.Context) string {
	return scopeFrom(ctx).executionID
}

// HandlerLogger returns the global logger tagged with the tool, execution
// and agent of the call in ctx.
func HandlerLogger(ctx context.Context) zerolog.Logger {
	s := scopeFrom(ctx)
	lc := log.With()
	if s.toolID != "" {
		lc = lc.Str("tool", s.toolID)
	}
	if s.executionID != "" {
		lc = lc.Str("execution_id", s.executionID)
	}
	if s.exec != nil && s.exec.AgentID != "" {
		lc = lc.Str("agent_id", s.exec.AgentID)
	}
	return lc.Logger()
}
