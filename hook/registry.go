package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduit/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type taskSubmittedEntry struct {
	name string
	hook TaskSubmitted
}

type attemptStartedEntry struct {
	name string
	hook AttemptStarted
}

type attemptFinishedEntry struct {
	name string
	hook AttemptFinished
}

type taskSucceededEntry struct {
	name string
	hook TaskSucceeded
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskCancelledEntry struct {
	name string
	hook TaskCancelled
}

type breakerStateChangedEntry struct {
	name string
	hook BreakerStateChanged
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	taskSubmitted       []taskSubmittedEntry
	attemptStarted      []attemptStartedEntry
	attemptFinished     []attemptFinishedEntry
	taskSucceeded       []taskSucceededEntry
	taskFailed          []taskFailedEntry
	taskCancelled       []taskCancelledEntry
	breakerStateChanged []breakerStateChangedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskSubmitted); ok {
		r.taskSubmitted = append(r.taskSubmitted, taskSubmittedEntry{name, h})
	}
	if h, ok := e.(AttemptStarted); ok {
		r.attemptStarted = append(r.attemptStarted, attemptStartedEntry{name, h})
	}
	if h, ok := e.(AttemptFinished); ok {
		r.attemptFinished = append(r.attemptFinished, attemptFinishedEntry{name, h})
	}
	if h, ok := e.(TaskSucceeded); ok {
		r.taskSucceeded = append(r.taskSucceeded, taskSucceededEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskCancelled); ok {
		r.taskCancelled = append(r.taskCancelled, taskCancelledEntry{name, h})
	}
	if h, ok := e.(BreakerStateChanged); ok {
		r.breakerStateChanged = append(r.breakerStateChanged, breakerStateChangedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Event emitters
// ──────────────────────────────────────────────────

// EmitTaskSubmitted notifies all extensions that implement TaskSubmitted.
func (r *Registry) EmitTaskSubmitted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskSubmitted {
		if err := e.hook.OnTaskSubmitted(ctx, t); err != nil {
			r.logHookError("OnTaskSubmitted", e.name, err)
		}
	}
}

// EmitAttemptStarted notifies all extensions that implement AttemptStarted.
func (r *Registry) EmitAttemptStarted(ctx context.Context, t *task.Task, attempt int) {
	for _, e := range r.attemptStarted {
		if err := e.hook.OnAttemptStarted(ctx, t, attempt); err != nil {
			r.logHookError("OnAttemptStarted", e.name, err)
		}
	}
}

// EmitAttemptFinished notifies all extensions that implement AttemptFinished.
func (r *Registry) EmitAttemptFinished(ctx context.Context, t *task.Task, att task.Attempt) {
	for _, e := range r.attemptFinished {
		if err := e.hook.OnAttemptFinished(ctx, t, att); err != nil {
			r.logHookError("OnAttemptFinished", e.name, err)
		}
	}
}

// EmitTaskSucceeded notifies all extensions that implement TaskSucceeded.
func (r *Registry) EmitTaskSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.taskSucceeded {
		if err := e.hook.OnTaskSucceeded(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskSucceeded", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, taskErr error) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskCancelled notifies all extensions that implement TaskCancelled.
func (r *Registry) EmitTaskCancelled(ctx context.Context, t *task.Task) {
	for _, e := range r.taskCancelled {
		if err := e.hook.OnTaskCancelled(ctx, t); err != nil {
			r.logHookError("OnTaskCancelled", e.name, err)
		}
	}
}

// EmitBreakerStateChanged notifies all extensions that implement
// BreakerStateChanged.
func (r *Registry) EmitBreakerStateChanged(ctx context.Context, from, to string) {
	for _, e := range r.breakerStateChanged {
		if err := e.hook.OnBreakerStateChanged(ctx, from, to); err != nil {
			r.logHookError("OnBreakerStateChanged", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block dispatch.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
