package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Recover returns middleware that recovers from panics in the processor
// chain. Panics are converted to errors and logged with a stack trace,
// so a malformed item fails alone instead of taking the replica down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, w *workitem.WorkItem, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("processor panicked",
					slog.String("item_id", w.ID.String()),
					slog.String("activity", w.ActivityName),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic processing item %s: %v", w.ID.String(), r)
			}
		}()
		return next(ctx)
	}
}
