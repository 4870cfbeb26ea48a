// Package hook defines the extension system for Conduit.
// Extensions are notified of dispatch lifecycle events (task submitted,
// attempt finished, breaker opened, etc.) and can react to them —
// logging, metrics, tracing, audit trails.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/conduit/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskSubmitted is called after a task is accepted by the dispatcher.
type TaskSubmitted interface {
	OnTaskSubmitted(ctx context.Context, t *task.Task) error
}

// AttemptStarted is called when a delivery attempt begins.
type AttemptStarted interface {
	OnAttemptStarted(ctx context.Context, t *task.Task, attempt int) error
}

// AttemptFinished is called after a delivery attempt ends, successful or
// not. On failure att.Kind carries the error classification.
type AttemptFinished interface {
	OnAttemptFinished(ctx context.Context, t *task.Task, att task.Attempt) error
}

// TaskSucceeded is called after a task reaches the succeeded state.
type TaskSucceeded interface {
	OnTaskSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails terminally (no more retries).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, err error) error
}

// TaskCancelled is called after a cancellation takes effect.
type TaskCancelled interface {
	OnTaskCancelled(ctx context.Context, t *task.Task) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// BreakerStateChanged is called whenever the circuit breaker transitions.
type BreakerStateChanged interface {
	OnBreakerStateChanged(ctx context.Context, from, to string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
