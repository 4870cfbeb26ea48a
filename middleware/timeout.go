package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduit/task"
)

// Timeout returns middleware that enforces a per-attempt deadline.
// The task's own Timeout takes precedence; fallback applies when the task
// carries none. A zero deadline disables the limit entirely. When the
// deadline is exceeded the context is cancelled and the invoker returns
// a timeout-classified error.
func Timeout(logger *slog.Logger, fallback time.Duration) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		d := t.Timeout
		if d <= 0 {
			d = fallback
		}
		if d > 0 {
			logger.Debug("attempt deadline set",
				slog.String("task_id", t.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
