// Package middleware provides composable middleware for work item
// processing. Middleware wraps processor calls synchronously and can
// modify execution (recover from panics, enforce deadlines, log, add
// tracing, etc.).
package middleware

import (
	"context"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Handler is the terminal function that invokes the processor.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the item being processed, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, w *workitem.WorkItem, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recovery) executes as:
//
//	logging → recovery → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, w *workitem.WorkItem, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, w, prev)
			}
		}
		return h(ctx)
	}
}
