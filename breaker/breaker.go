// Package breaker implements a circuit breaker for the downstream
// dependency shared by all in-flight tasks. It stops calling a dependency
// that looks unhealthy and periodically probes for recovery with a single
// trial call.
//
// The breaker is a three-state machine:
//
//	Closed   → calls flow; consecutive failures are counted.
//	Open     → calls are denied until ResetTimeout elapses.
//	HalfOpen → exactly one trial call is admitted; its outcome decides
//	           whether the breaker closes again or re-opens.
//
// The Open → HalfOpen transition is lazy: it happens on the next Allow
// call after the timeout, so no background timer goroutine is needed.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's position in its state machine.
type State string

const (
	// StateClosed means the downstream is considered healthy.
	StateClosed State = "closed"
	// StateOpen means calls are short-circuited.
	StateOpen State = "open"
	// StateHalfOpen means a single trial call is probing recovery.
	StateHalfOpen State = "half_open"
)

// StateChangeFunc is invoked after every state transition, outside any
// downstream I/O but inside the breaker's critical section — keep it cheap.
type StateChangeFunc func(from, to State)

// Breaker tracks the health of one downstream dependency.
// All methods are safe for concurrent use; Allow, RecordSuccess and
// RecordFailure serialize on a single mutex with no I/O under the lock.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	failureThreshold int
	resetTimeout     time.Duration
	onStateChange    StateChangeFunc

	// now is swappable for deterministic tests.
	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnStateChange registers a callback fired on every state transition.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithClock overrides the breaker's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker that opens after threshold consecutive failures
// and admits a half-open trial once resetTimeout has elapsed.
func New(threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the breaker's current state. In Open state this reflects
// the stored state, not whether the reset timeout has elapsed; the lazy
// transition happens only inside Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a downstream call may proceed right now.
//
// Closed: always true. Open: false until ResetTimeout has elapsed since
// the breaker opened, at which point the breaker atomically transitions to
// HalfOpen and returns true for exactly one caller. HalfOpen: false for
// everyone except the single in-flight trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		// Timeout elapsed: admit one trial. The check and the transition
		// happen under the same lock, so concurrent callers racing into
		// this branch see HalfOpen with the trial already claimed.
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true

	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess feeds a successful downstream call back into the breaker.
// In Closed it resets the consecutive-failure count; in HalfOpen it closes
// the breaker (the trial succeeded).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.failures = 0
		b.transition(StateClosed)
	case StateOpen:
		// A success reported while Open can only come from a call admitted
		// before the breaker tripped. The breaker stays open.
	}
}

// RecordFailure feeds a failed downstream call back into the breaker.
// In Closed it increments the consecutive-failure count and trips the
// breaker at the threshold; in HalfOpen it re-opens (the trial failed).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		// Late failure from a call admitted before tripping; no change.
	}
}

// transition mutates state and fires the callback. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
