// Package task defines the dispatcher's unit of work — its lifecycle state
// machine, append-only attempt history, and the capacity-bounded registry
// that owns every task from submission to TTL eviction.
package task

import (
	"fmt"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is registered but its attempt loop has
	// not started a downstream call yet.
	StatePending State = "pending"
	// StateRunning means the attempt loop is active.
	StateRunning State = "running"
	// StateSucceeded means a downstream call completed and returned a result.
	StateSucceeded State = "succeeded"
	// StateFailed means attempts were exhausted or the payload was rejected.
	StateFailed State = "failed"
	// StateCancelled means the task was cancelled before producing a result.
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// transitions enumerates every legal state edge. Anything else is a
// programming error in the dispatch loop, not an operational condition.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
}

// Attempt records one pass through the dispatch loop for a task.
type Attempt struct {
	// Number is the 1-indexed attempt ordinal.
	Number int `json:"number"`
	// StartedAt / EndedAt bound the attempt, including a synthetic
	// circuit-open attempt (whose bounds coincide).
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// Kind classifies the failure; empty for a successful attempt.
	Kind conduit.Kind `json:"kind,omitempty"`
	// Err is the failure message; empty for a successful attempt.
	Err string `json:"err,omitempty"`
	// Delay is the backoff applied before this attempt began.
	Delay time.Duration `json:"delay"`
}

// Request is the caller-supplied description of work to dispatch.
type Request struct {
	// Name identifies the kind of work (e.g. "transcribe"). Rate limits
	// are keyed by name.
	Name string `json:"name"`
	// Payload is the opaque body handed to the downstream invoker.
	Payload []byte `json:"payload"`
	// JobID optionally references the durable job record that should be
	// updated when the task reaches a terminal state.
	JobID id.JobID `json:"job_id,omitempty"`
	// Timeout overrides the service-wide per-call timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks the request shape. It wraps conduit.ErrInvalidRequest so
// callers can match with errors.Is.
func (r Request) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", conduit.ErrInvalidRequest)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", conduit.ErrInvalidRequest)
	}
	return nil
}

// Task is the dispatcher's unit-of-work record. It is created by Submit,
// mutated only through Registry.Update (single-writer discipline), and
// read through snapshot clones.
type Task struct {
	conduit.Entity

	ID      id.TaskID     `json:"id"`
	Name    string        `json:"name"`
	Payload []byte        `json:"payload"`
	JobID   id.JobID      `json:"job_id,omitempty"`
	State   State         `json:"state"`
	Timeout time.Duration `json:"timeout,omitempty"`

	// Attempts is append-only; entries are never rewritten.
	Attempts []Attempt `json:"attempts"`

	// Result and LastError are set only in terminal states.
	Result    []byte `json:"result,omitempty"`
	LastError string `json:"last_error,omitempty"`

	// CancelRequested is the cooperative cancellation flag, observed by
	// the attempt loop at iteration boundaries.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a Pending task from a validated request.
func New(req Request) *Task {
	return &Task{
		Entity:  conduit.NewEntity(),
		ID:      id.NewTaskID(),
		Name:    req.Name,
		Payload: req.Payload,
		JobID:   req.JobID,
		State:   StatePending,
		Timeout: req.Timeout,
	}
}

// MustTransition moves the task to a new state, panicking on an illegal
// edge. Terminal states are final; a violation indicates a concurrency bug
// in the dispatch loop and must fail loudly rather than corrupt history.
func (t *Task) MustTransition(to State) {
	for _, allowed := range transitions[t.State] {
		if allowed == to {
			t.State = to
			return
		}
	}
	panic(fmt.Sprintf("task %s: illegal transition %s → %s", t.ID, t.State, to))
}

// RecordAttempt appends an attempt to the task's history.
func (t *Task) RecordAttempt(a Attempt) {
	t.Attempts = append(t.Attempts, a)
}

// Clone returns a deep-enough copy for readers: attempt history is copied
// so a snapshot never aliases the live record the dispatch loop mutates.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Attempts = make([]Attempt, len(t.Attempts))
	copy(cp.Attempts, t.Attempts)
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
