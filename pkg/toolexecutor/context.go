package toolexecutor

import (
	"context"

	"github.com/rs/zerolog"
)

type executionKey struct{}

// WithExecution exposes execCtx to tool handlers running under ctx
func WithExecution(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, executionKey{}, execCtx)
}

// ExecutionFrom returns the ExecutionContext of the current call, or nil
func ExecutionFrom(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(executionKey{}).(*ExecutionContext)
	return execCtx
}

// Logger adds thread_id and run_id of the current call to base
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	execCtx := ExecutionFrom(ctx)
	if execCtx == nil {
		return base
	}
	lc := base.With()
	if execCtx.ThreadID != "" {
		lc = lc.Str("thread_id", execCtx.ThreadID)
	}
	if execCtx.RunID != "" {
		lc = lc.Str("run_id", execCtx.RunID)
	}
	return lc.Logger()
}
