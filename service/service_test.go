package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/breaker"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/jobrecord"
	"github.com/xraph/conduit/jobrecord/memory"
	"github.com/xraph/conduit/retry"
	"github.com/xraph/conduit/service"
	"github.com/xraph/conduit/task"
	"github.com/xraph/conduit/trigger"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// fastConfig returns a config tuned for fast tests.
func fastConfig() conduit.Config {
	cfg := conduit.DefaultConfig()
	cfg.CallTimeout = 10 * time.Second
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	return cfg
}

// fastPolicy returns a retry policy with a tiny constant backoff.
func fastPolicy(maxAttempts int, delay time.Duration) retry.Policy {
	return retry.NewPolicy(maxAttempts, backoff.NewConstant(delay))
}

// waitTerminal polls until the task reaches a terminal state.
func waitTerminal(t *testing.T, svc *service.Service, taskID id.TaskID) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Status(taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.State.IsTerminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

// waitTerminalCount polls until at least n of the given tasks are terminal
// and returns how many are.
func waitTerminalCount(t *testing.T, svc *service.Service, ids []id.TaskID, n int) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, tid := range ids {
			snap, err := svc.Status(tid)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if snap.State.IsTerminal() {
				count++
			}
		}
		if count >= n {
			return count
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d tasks reached a terminal state", n)
	return 0
}

// testClock is a manually advanced time source for breaker tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func timeoutErr() error {
	return conduit.NewDownstreamError(conduit.KindTimeout, errors.New("deadline exceeded"))
}

func transientErr() error {
	return conduit.NewDownstreamError(conduit.KindTransient, errors.New("503 from downstream"))
}

// ──────────────────────────────────────────────────
// Construction and submission
// ──────────────────────────────────────────────────

func TestNew_RequiresInvoker(t *testing.T) {
	_, err := service.New()
	if !errors.Is(err, conduit.ErrNoInvoker) {
		t.Fatalf("New() = %v, want ErrNoInvoker", err)
	}
}

func TestService_SubmitValidates(t *testing.T) {
	svc, err := service.New(service.WithInvoker(trigger.Func(
		func(_ context.Context, _ []byte) ([]byte, error) { return nil, nil },
	)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	tests := []struct {
		name string
		req  task.Request
	}{
		{"empty name", task.Request{Payload: []byte("x")}},
		{"empty payload", task.Request{Name: "transcribe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.req)
			if !errors.Is(err, conduit.ErrInvalidRequest) {
				t.Errorf("Submit = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestService_SubmitAndSucceed(t *testing.T) {
	store := memory.New()
	rec := &jobrecord.Record{
		Entity: conduit.NewEntity(),
		ID:     id.NewJobID(),
		Status: "uploaded",
	}
	if err := store.CreateJob(context.Background(), rec); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithRecordStore(store),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, payload []byte) ([]byte, error) {
				return append([]byte("echo:"), payload...), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	taskID, err := svc.Submit(context.Background(), task.Request{
		Name:    "transcribe",
		Payload: []byte("audio-ref"),
		JobID:   rec.ID,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, svc, taskID)
	if snap.State != task.StateSucceeded {
		t.Fatalf("State = %s, want succeeded", snap.State)
	}
	if string(snap.Result) != "echo:audio-ref" {
		t.Errorf("Result = %q", snap.Result)
	}
	if len(snap.Attempts) != 1 {
		t.Errorf("Attempts = %d, want 1", len(snap.Attempts))
	}
	if snap.StartedAt == nil || snap.CompletedAt == nil {
		t.Error("StartedAt / CompletedAt not set on terminal task")
	}

	// The job record mirrors the outcome.
	got, err := store.GetJob(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != string(task.StateSucceeded) {
		t.Errorf("record Status = %q, want succeeded", got.Status)
	}
	if string(got.Result) != "echo:audio-ref" {
		t.Errorf("record Result = %q", got.Result)
	}
}

func TestService_QueueFull(t *testing.T) {
	release := make(chan struct{})
	cfg := fastConfig()
	cfg.Capacity = 1

	svc, err := service.New(
		service.WithConfig(cfg),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				<-release
				return []byte("ok"), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("1")})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	_, err = svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("2")})
	if !errors.Is(err, conduit.ErrQueueFull) {
		t.Fatalf("second Submit = %v, want ErrQueueFull", err)
	}

	close(release)
	waitTerminal(t, svc, first)
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestService_StatusUnknown(t *testing.T) {
	svc, err := service.New(service.WithInvoker(trigger.Func(
		func(_ context.Context, _ []byte) ([]byte, error) { return nil, nil },
	)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	if _, err := svc.Status(id.NewTaskID()); !errors.Is(err, conduit.ErrTaskNotFound) {
		t.Fatalf("Status = %v, want ErrTaskNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Retry behaviour
// ──────────────────────────────────────────────────

func TestService_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int64

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithRetryPolicy(fastPolicy(4, 5*time.Millisecond)),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				if calls.Add(1) <= 2 {
					return nil, transientErr()
				}
				return []byte("done"), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, svc, taskID)
	if snap.State != task.StateSucceeded {
		t.Fatalf("State = %s, want succeeded", snap.State)
	}
	if len(snap.Attempts) != 3 {
		t.Fatalf("Attempts = %d, want 3", len(snap.Attempts))
	}
	if snap.Attempts[0].Kind != conduit.KindTransient {
		t.Errorf("Attempts[0].Kind = %s, want transient", snap.Attempts[0].Kind)
	}
	if snap.Attempts[2].Kind != "" {
		t.Errorf("Attempts[2].Kind = %s, want empty (success)", snap.Attempts[2].Kind)
	}
	if snap.Attempts[1].Delay != 5*time.Millisecond {
		t.Errorf("Attempts[1].Delay = %v, want 5ms", snap.Attempts[1].Delay)
	}
}

func TestService_RejectedNotRetried(t *testing.T) {
	var calls atomic.Int64

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithRetryPolicy(fastPolicy(4, 5*time.Millisecond)),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				calls.Add(1)
				return nil, conduit.NewDownstreamError(conduit.KindRejected,
					errors.New("400 bad payload"))
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, svc, taskID)
	if snap.State != task.StateFailed {
		t.Fatalf("State = %s, want failed", snap.State)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("downstream calls = %d, want 1 (rejected is permanent)", got)
	}
	if len(snap.Attempts) != 1 {
		t.Errorf("Attempts = %d, want 1", len(snap.Attempts))
	}
}

// Three consecutive timeouts exhaust a three-attempt policy: the task
// fails with three recorded attempts and the loop honors the backoff
// delay between attempts.
func TestService_TimeoutsExhaustAttempts(t *testing.T) {
	const backoffDelay = 30 * time.Millisecond

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithRetryPolicy(fastPolicy(3, backoffDelay)),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				return nil, timeoutErr()
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	start := time.Now()
	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, svc, taskID)
	elapsed := time.Since(start)

	if snap.State != task.StateFailed {
		t.Fatalf("State = %s, want failed", snap.State)
	}
	if len(snap.Attempts) != 3 {
		t.Fatalf("Attempts = %d, want 3", len(snap.Attempts))
	}
	for i, att := range snap.Attempts {
		if att.Kind != conduit.KindTimeout {
			t.Errorf("Attempts[%d].Kind = %s, want timeout", i, att.Kind)
		}
		if att.Number != i+1 {
			t.Errorf("Attempts[%d].Number = %d, want %d", i, att.Number, i+1)
		}
	}
	if snap.LastError == "" {
		t.Error("LastError empty on failed task")
	}
	// Backoff before attempts 2 and 3.
	if want := 2 * backoffDelay; elapsed < want {
		t.Errorf("elapsed = %v, want at least %v of backoff", elapsed, want)
	}
}

// ──────────────────────────────────────────────────
// Circuit breaker integration
// ──────────────────────────────────────────────────

// Five consecutive failures trip the breaker; the next task's attempt is
// short-circuited as circuit_open without touching the downstream.
func TestService_BreakerTripsAndShortCircuits(t *testing.T) {
	var calls atomic.Int64
	brk := breaker.New(5, time.Hour)

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithBreaker(brk),
		service.WithRetryPolicy(fastPolicy(1, time.Millisecond)),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				calls.Add(1)
				return nil, transientErr()
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	for i := range 5 {
		taskID, serr := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
		if serr != nil {
			t.Fatalf("Submit %d: %v", i, serr)
		}
		waitTerminal(t, svc, taskID)
	}

	if got := brk.State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want open after 5 failures", got)
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("downstream calls = %d, want 5", got)
	}

	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitTerminal(t, svc, taskID)

	if snap.State != task.StateFailed {
		t.Fatalf("State = %s, want failed", snap.State)
	}
	if len(snap.Attempts) != 1 || snap.Attempts[0].Kind != conduit.KindCircuitOpen {
		t.Fatalf("Attempts = %+v, want one circuit_open attempt", snap.Attempts)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("downstream calls = %d, want still 5 (short-circuited)", got)
	}
}

// With the breaker open, a flood of concurrent tasks produces zero
// downstream calls; once the reset timeout elapses exactly one trial call
// is admitted.
func TestService_OpenBreakerAdmitsSingleTrial(t *testing.T) {
	const resetTimeout = 30 * time.Second

	clock := newTestClock()
	brk := breaker.New(5, resetTimeout, breaker.WithClock(clock.Now))
	for range 5 {
		brk.RecordFailure()
	}
	if brk.State() != breaker.StateOpen {
		t.Fatal("breaker should start open")
	}

	var calls atomic.Int64
	gate := make(chan struct{})

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithBreaker(brk),
		service.WithRetryPolicy(fastPolicy(1, time.Millisecond)),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				calls.Add(1)
				<-gate
				return []byte("ok"), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	submit := func(n int) []id.TaskID {
		t.Helper()
		ids := make([]id.TaskID, n)
		var g errgroup.Group
		for i := range n {
			g.Go(func() error {
				tid, serr := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
				if serr != nil {
					return serr
				}
				ids[i] = tid
				return nil
			})
		}
		if gerr := g.Wait(); gerr != nil {
			t.Fatalf("submit: %v", gerr)
		}
		return ids
	}

	// Phase 1: breaker open, reset not elapsed. All tasks short-circuit.
	phase1 := submit(100)
	waitTerminalCount(t, svc, phase1, 100)
	if got := calls.Load(); got != 0 {
		t.Fatalf("downstream calls = %d, want 0 while breaker open", got)
	}
	for _, tid := range phase1 {
		snap, _ := svc.Status(tid)
		if snap.State != task.StateFailed {
			t.Fatalf("task %s state = %s, want failed", tid, snap.State)
		}
		if snap.Attempts[0].Kind != conduit.KindCircuitOpen {
			t.Fatalf("task %s attempt kind = %s, want circuit_open", tid, snap.Attempts[0].Kind)
		}
	}

	// Phase 2: reset elapsed. Exactly one trial is admitted; everyone else
	// still short-circuits while the trial is in flight.
	clock.Advance(resetTimeout + time.Second)
	phase2 := submit(100)

	// 99 tasks fail fast; the trial blocks inside the invoker.
	waitTerminalCount(t, svc, phase2, 99)
	if got := calls.Load(); got != 1 {
		t.Fatalf("downstream calls = %d, want exactly 1 trial", got)
	}
	if got := brk.State(); got != breaker.StateHalfOpen {
		t.Fatalf("breaker state = %s, want half_open during trial", got)
	}

	// Let the trial succeed: the breaker closes.
	close(gate)
	waitTerminalCount(t, svc, phase2, 100)
	if got := brk.State(); got != breaker.StateClosed {
		t.Fatalf("breaker state = %s, want closed after trial success", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("downstream calls = %d, want 1", got)
	}
}

// ──────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────

// Cancelling a task that is still pending prevents any downstream call.
func TestService_CancelPendingNeverInvoked(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})

	cfg := fastConfig()
	cfg.Concurrency = 1

	svc, err := service.New(
		service.WithConfig(cfg),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("ok"), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	first, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("1")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Wait until the first task occupies the single concurrency slot.
	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("first task never reached the invoker")
	}

	second, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("2")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ok, err := svc.Cancel(second)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("Cancel = false, want true for pending task")
	}

	snap, err := svc.Status(second)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != task.StateCancelled {
		t.Fatalf("State = %s, want cancelled", snap.State)
	}
	if len(snap.Attempts) != 0 {
		t.Errorf("Attempts = %d, want 0 for task cancelled while pending", len(snap.Attempts))
	}

	// Terminal tasks cannot be cancelled again.
	ok, err = svc.Cancel(second)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ok {
		t.Error("Cancel = true on terminal task, want false")
	}

	close(release)
	waitTerminal(t, svc, first)
	if got := calls.Load(); got != 1 {
		t.Errorf("downstream calls = %d, want 1 (cancelled task never invoked)", got)
	}
}

func TestService_CancelRunningCooperative(t *testing.T) {
	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithRetryPolicy(fastPolicy(100, 20*time.Millisecond)),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				return nil, transientErr()
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait until the task has at least one attempt behind it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, serr := svc.Status(taskID)
		if serr != nil {
			t.Fatalf("Status: %v", serr)
		}
		if len(snap.Attempts) >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ok, err := svc.Cancel(taskID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("Cancel = false, want true for running task")
	}

	snap := waitTerminal(t, svc, taskID)
	if snap.State != task.StateCancelled {
		t.Fatalf("State = %s, want cancelled", snap.State)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// shutdownExt records whether the shutdown hook fired.
type shutdownExt struct {
	fired atomic.Bool
}

func (e *shutdownExt) Name() string { return "shutdown-probe" }

func (e *shutdownExt) OnShutdown(_ context.Context) error {
	e.fired.Store(true)
	return nil
}

func TestService_StopWaitsForInflight(t *testing.T) {
	ext := &shutdownExt{}

	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithHook(ext),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				time.Sleep(50 * time.Millisecond)
				return []byte("ok"), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap, err := svc.Status(taskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != task.StateSucceeded {
		t.Fatalf("State after Stop = %s, want succeeded", snap.State)
	}
	if !ext.fired.Load() {
		t.Error("shutdown hook did not fire")
	}
}

func TestService_StatusIdempotentOnTerminal(t *testing.T) {
	svc, err := service.New(
		service.WithConfig(fastConfig()),
		service.WithInvoker(trigger.Func(
			func(_ context.Context, _ []byte) ([]byte, error) {
				return []byte("ok"), nil
			},
		)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop(context.Background()) //nolint:errcheck // test teardown

	taskID, err := svc.Submit(context.Background(), task.Request{Name: "t", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := waitTerminal(t, svc, taskID)

	for range 5 {
		again, serr := svc.Status(taskID)
		if serr != nil {
			t.Fatalf("Status: %v", serr)
		}
		if again.State != first.State || len(again.Attempts) != len(first.Attempts) {
			t.Fatal("Status on a terminal task changed between reads")
		}
	}
}
