// Package trc adds per-request diagnostic tracing to whatever
// golang.org/x/net/trace span is already bound to a context, exactly as
// consumer/service.go's addTrace does: a no-op unless the caller's context
// already carries a trace.Trace.
package trc

import (
	"context"

	"golang.org/x/net/trace"
)

// AddTrace appends a lazily-formatted line to the trace.Trace bound to ctx,
// if any. Safe to call unconditionally on every hot path.
func AddTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
