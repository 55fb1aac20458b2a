package middleware

import (
	"context"
	"time"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Timeout returns middleware that enforces a hard processing deadline.
// When the deadline is exceeded the context is cancelled and the
// processor should return context.DeadlineExceeded, which the
// transitioner treats as a recoverable failure.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *workitem.WorkItem, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
