package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduit/task"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		attempt := len(t.Attempts) + 1
		logger.Info("attempt started",
			slog.String("task_name", t.Name),
			slog.String("task_id", t.ID.String()),
			slog.Int("attempt", attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("attempt failed",
				slog.String("task_name", t.Name),
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("attempt succeeded",
				slog.String("task_name", t.Name),
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
