package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Logging returns middleware that logs processing start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, w *workitem.WorkItem, next Handler) error {
		logger.Info("item processing started",
			slog.String("item_id", w.ID.String()),
			slog.String("activity", w.ActivityName),
			slog.String("tenant_id", w.TenantID),
			slog.Int("attempt", w.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("item processing failed",
				slog.String("item_id", w.ID.String()),
				slog.String("activity", w.ActivityName),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("item processing completed",
				slog.String("item_id", w.ID.String()),
				slog.String("activity", w.ActivityName),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
