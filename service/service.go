// Package service wires all conduit subsystems together: the task
// registry, circuit breaker, retry policy, rate limiter, middleware chain,
// lifecycle hooks, and the job-record collaborator.
//
// This package exists to break the import cycle: the root conduit package
// defines Entity and the error taxonomy (imported by task, jobrecord,
// etc.) and so cannot import those packages back. The service package sits
// above all subsystem packages and below the application layer.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/breaker"
	"github.com/xraph/conduit/hook"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/jobrecord"
	"github.com/xraph/conduit/limiter"
	mw "github.com/xraph/conduit/middleware"
	"github.com/xraph/conduit/retry"
	"github.com/xraph/conduit/task"
	"github.com/xraph/conduit/trigger"
)

// recordTimeout bounds the best-effort job-record update after a task
// reaches a terminal state.
const recordTimeout = 5 * time.Second

// limiterRetryInterval is how long the attempt loop waits before re-asking
// the rate limiter for a slot.
const limiterRetryInterval = 50 * time.Millisecond

// errBreakerOpen is the synthetic failure recorded when the circuit
// breaker denies an attempt without a downstream call.
var errBreakerOpen = conduit.NewDownstreamError(
	conduit.KindCircuitOpen, errors.New("circuit breaker open"))

// Service dispatches submitted tasks to the downstream invoker with retry
// and circuit-breaker protection. Create one with New, optionally Start it
// for TTL sweeping, and Stop it on shutdown.
type Service struct {
	cfg    conduit.Config
	logger *slog.Logger

	invoker  trigger.Invoker
	records  jobrecord.Store
	registry *task.Registry
	brk      *breaker.Breaker
	policy   retry.Policy
	hooks    *hook.Registry
	limits   *limiter.Manager
	chain    mw.Middleware

	// Construction-time collections consumed by New.
	extensions    []hook.Extension
	userMws       []mw.Middleware
	limitConfigs  []limiter.Config
	meterProvider metric.MeterProvider
	policySet     bool

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New creates a Service from the given options. An invoker is required;
// everything else has defaults derived from conduit.DefaultConfig().
func New(opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    conduit.DefaultConfig(),
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.invoker == nil {
		return nil, conduit.ErrNoInvoker
	}

	s.registry = task.NewRegistry(s.cfg.Capacity)
	s.hooks = hook.NewRegistry(s.logger)
	for _, e := range s.extensions {
		s.hooks.Register(e)
	}

	if s.brk == nil {
		s.brk = breaker.New(s.cfg.FailureThreshold, s.cfg.ResetTimeout,
			breaker.WithOnStateChange(func(from, to breaker.State) {
				s.hooks.EmitBreakerStateChanged(context.Background(), string(from), string(to))
			}))
	}

	if !s.policySet {
		s.policy = retry.NewPolicy(s.cfg.MaxAttempts,
			backoff.NewExponential(s.cfg.BaseDelay, s.cfg.MaxDelay))
	}

	if len(s.limitConfigs) > 0 {
		s.limits = limiter.NewManager(s.limitConfigs...)
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if s.meterProvider != nil {
		meter := s.meterProvider.Meter("github.com/xraph/conduit")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default attempt stack: recover → metrics → logging → timeout,
	// then any user middleware.
	mws := []mw.Middleware{
		mw.Recover(s.logger),
		metricsMw,
		mw.Logging(s.logger),
		mw.Timeout(s.logger, s.cfg.CallTimeout),
	}
	mws = append(mws, s.userMws...)
	s.chain = mw.Chain(mws...)

	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	s.sem = make(chan struct{}, concurrency)

	return s, nil
}

// Submit validates the request, registers a pending task, and launches its
// attempt loop on a separate goroutine. It returns immediately; downstream
// unavailability never fails a submission.
func (s *Service) Submit(ctx context.Context, req task.Request) (id.TaskID, error) {
	if err := req.Validate(); err != nil {
		return id.TaskID{}, err
	}

	t := task.New(req)
	if err := s.registry.Put(t); err != nil {
		return id.TaskID{}, err
	}

	s.hooks.EmitTaskSubmitted(ctx, t.Clone())
	s.logger.Info("task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("task_name", t.Name),
	)

	s.wg.Add(1)
	go s.run(t.ID)

	return t.ID, nil
}

// Status returns a consistent snapshot of the task, or ErrTaskNotFound —
// including for tasks already evicted by the TTL sweeper.
func (s *Service) Status(taskID id.TaskID) (*task.Task, error) {
	return s.registry.Get(taskID)
}

// Cancel requests cancellation. Pending tasks cancel immediately; running
// tasks get a cooperative flag observed at attempt boundaries. Returns
// false for tasks already in a terminal state.
func (s *Service) Cancel(taskID id.TaskID) (bool, error) {
	var accepted bool
	var snapshot *task.Task

	err := s.registry.Update(taskID, func(t *task.Task) {
		switch t.State {
		case task.StatePending:
			t.MustTransition(task.StateCancelled)
			now := time.Now().UTC()
			t.CompletedAt = &now
			accepted = true
			snapshot = t.Clone()
		case task.StateRunning:
			t.CancelRequested = true
			accepted = true
		default:
			// Terminal: too late.
		}
	})
	if err != nil {
		return false, err
	}

	if snapshot != nil {
		ctx := context.Background()
		s.hooks.EmitTaskCancelled(ctx, snapshot)
		s.notifyRecord(snapshot)
	}
	return accepted, nil
}

// Breaker exposes the circuit breaker, mainly for status endpoints.
func (s *Service) Breaker() *breaker.Breaker { return s.brk }

// Len returns the number of tasks currently in the registry.
func (s *Service) Len() int { return s.registry.Len() }

// Start launches the registry TTL sweeper. It is safe to call once;
// subsequent calls are no-ops.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.sweeper()
}

// Stop signals shutdown, waits for in-flight attempt loops to finish
// (bounded by ctx, falling back to Config.ShutdownTimeout when ctx has no
// deadline), and fires Shutdown hooks.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.hooks.EmitShutdown(context.Background())
		return ctx.Err()
	}

	s.hooks.EmitShutdown(ctx)
	s.logger.Info("service stopped")
	return nil
}

// ──────────────────────────────────────────────────
// Attempt loop
// ──────────────────────────────────────────────────

// run is the per-task attempt loop. It owns the task's state transitions
// from Running onward; all mutation goes through Registry.Update.
func (s *Service) run(taskID id.TaskID) {
	defer s.wg.Done()

	// Concurrency gate. Tasks beyond the bound stay Pending until a slot
	// frees up; shutdown abandons the wait and leaves them Pending.
	select {
	case s.sem <- struct{}{}:
	case <-s.stopCh:
		return
	}
	defer func() { <-s.sem }()

	ctx := context.Background()

	var name string
	var payload []byte
	started := false
	err := s.registry.Update(taskID, func(t *task.Task) {
		if t.State != task.StatePending {
			// Cancelled before the loop began.
			return
		}
		t.MustTransition(task.StateRunning)
		now := time.Now().UTC()
		t.StartedAt = &now
		name = t.Name
		payload = t.Payload
		started = true
	})
	if err != nil || !started {
		return
	}

	loopStart := time.Now()
	var delay time.Duration

	for attempt := 1; ; attempt++ {
		if s.checkCancelled(ctx, taskID) {
			return
		}

		att, result, callErr := s.attempt(ctx, taskID, attempt, name, payload, delay)

		var snapshot *task.Task
		if uerr := s.registry.Update(taskID, func(t *task.Task) {
			t.RecordAttempt(att)
			snapshot = t.Clone()
		}); uerr != nil {
			return
		}
		s.hooks.EmitAttemptFinished(ctx, snapshot, att)

		if callErr == nil {
			s.finalize(ctx, taskID, task.StateSucceeded, result, "", time.Since(loopStart))
			return
		}

		kind := s.policy.ClassifyErr(callErr)
		if !s.policy.ShouldRetry(attempt, kind) {
			s.finalize(ctx, taskID, task.StateFailed, nil, callErr.Error(), time.Since(loopStart))
			return
		}

		delay = s.policy.NextDelay(attempt)
		s.logger.Debug("retrying task",
			slog.String("task_id", taskID.String()),
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
			slog.Duration("delay", delay),
		)
		if !s.sleep(delay) {
			// Shutdown interrupted the backoff; the task cannot finish.
			s.finalize(ctx, taskID, task.StateFailed, nil,
				"shutdown during retry backoff: "+callErr.Error(), time.Since(loopStart))
			return
		}
	}
}

// attempt performs one pass: breaker gate, rate-limiter slot, then the
// middleware-wrapped downstream call. A denied breaker produces a
// synthetic attempt with coinciding bounds and no downstream call.
func (s *Service) attempt(ctx context.Context, taskID id.TaskID, n int, name string, payload []byte, delay time.Duration) (task.Attempt, []byte, error) {
	if !s.brk.Allow() {
		now := time.Now().UTC()
		return task.Attempt{
			Number:    n,
			StartedAt: now,
			EndedAt:   now,
			Kind:      conduit.KindCircuitOpen,
			Err:       errBreakerOpen.Error(),
			Delay:     delay,
		}, nil, errBreakerOpen
	}

	if !s.acquireLimit(name) {
		// Shutdown while waiting for a rate-limit slot. Report it like a
		// breaker denial so the caller path stays uniform; the loop will
		// notice stopCh on the next backoff.
		now := time.Now().UTC()
		return task.Attempt{
			Number:    n,
			StartedAt: now,
			EndedAt:   now,
			Kind:      conduit.KindTransient,
			Err:       "shutdown while waiting for rate limit",
			Delay:     delay,
		}, nil, conduit.NewDownstreamError(conduit.KindTransient,
			errors.New("shutdown while waiting for rate limit"))
	}
	defer s.releaseLimit(name)

	snapshot, err := s.registry.Get(taskID)
	if err != nil {
		return task.Attempt{}, nil, err
	}

	s.hooks.EmitAttemptStarted(ctx, snapshot, n)

	start := time.Now().UTC()
	var result []byte
	callErr := s.chain(ctx, snapshot, func(ctx context.Context) error {
		res, ierr := s.invoker.Invoke(ctx, payload)
		if ierr != nil {
			return ierr
		}
		result = res
		return nil
	})
	end := time.Now().UTC()

	att := task.Attempt{
		Number:    n,
		StartedAt: start,
		EndedAt:   end,
		Delay:     delay,
	}

	if callErr != nil {
		att.Kind = s.policy.ClassifyErr(callErr)
		att.Err = callErr.Error()
		s.brk.RecordFailure()
		return att, nil, callErr
	}

	s.brk.RecordSuccess()
	return att, result, nil
}

// checkCancelled finalizes the task if cancellation was requested and
// reports whether the loop should stop.
func (s *Service) checkCancelled(ctx context.Context, taskID id.TaskID) bool {
	var cancelled bool
	var snapshot *task.Task

	err := s.registry.Update(taskID, func(t *task.Task) {
		if t.State.IsTerminal() {
			cancelled = true
			return
		}
		if t.CancelRequested {
			t.MustTransition(task.StateCancelled)
			now := time.Now().UTC()
			t.CompletedAt = &now
			cancelled = true
			snapshot = t.Clone()
		}
	})
	if err != nil {
		return true
	}
	if snapshot != nil {
		s.hooks.EmitTaskCancelled(ctx, snapshot)
		s.notifyRecord(snapshot)
	}
	return cancelled
}

// finalize moves the task to a terminal state, fires the matching hook,
// and notifies the job-record store best-effort.
func (s *Service) finalize(ctx context.Context, taskID id.TaskID, to task.State, result []byte, errMsg string, elapsed time.Duration) {
	var snapshot *task.Task
	err := s.registry.Update(taskID, func(t *task.Task) {
		if t.State.IsTerminal() {
			return
		}
		t.MustTransition(to)
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.Result = result
		t.LastError = errMsg
		snapshot = t.Clone()
	})
	if err != nil || snapshot == nil {
		return
	}

	switch to {
	case task.StateSucceeded:
		s.hooks.EmitTaskSucceeded(ctx, snapshot, elapsed)
		s.logger.Info("task succeeded",
			slog.String("task_id", taskID.String()),
			slog.Int("attempts", len(snapshot.Attempts)),
			slog.Duration("elapsed", elapsed),
		)
	case task.StateFailed:
		s.hooks.EmitTaskFailed(ctx, snapshot, errors.New(errMsg))
		s.logger.Warn("task failed",
			slog.String("task_id", taskID.String()),
			slog.Int("attempts", len(snapshot.Attempts)),
			slog.String("error", errMsg),
		)
	case task.StateCancelled:
		s.hooks.EmitTaskCancelled(ctx, snapshot)
	}

	s.notifyRecord(snapshot)
}

// notifyRecord mirrors a terminal task into its job record. Failures are
// logged and never change the task's own status.
func (s *Service) notifyRecord(t *task.Task) {
	if s.records == nil || t.JobID.IsNil() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := s.records.UpdateStatus(ctx, t.JobID, string(t.State), t.Result, t.LastError)
	if err != nil {
		s.logger.Warn("job record update failed",
			slog.String("task_id", t.ID.String()),
			slog.String("job_id", t.JobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// acquireLimit blocks until the rate limiter admits a delivery for name,
// returning false if shutdown arrives first. A nil limiter always admits.
func (s *Service) acquireLimit(name string) bool {
	if s.limits == nil {
		return true
	}
	for {
		if s.limits.Acquire(name) {
			return true
		}
		select {
		case <-s.stopCh:
			return false
		case <-time.After(limiterRetryInterval):
		}
	}
}

func (s *Service) releaseLimit(name string) {
	if s.limits != nil {
		s.limits.Release(name)
	}
}

// sleep waits for d, returning false if shutdown arrives first.
func (s *Service) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	}
}

// sweeper periodically evicts terminal tasks older than the TTL.
func (s *Service) sweeper() {
	defer s.wg.Done()

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.registry.SweepExpired(time.Now().UTC(), s.cfg.TaskTTL); removed > 0 {
				s.logger.Debug("swept expired tasks", slog.Int("removed", removed))
			}
		case <-s.stopCh:
			return
		}
	}
}
