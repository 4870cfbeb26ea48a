package conduit

import "time"

// Config holds configuration for the dispatch Service.
type Config struct {
	// Concurrency is the maximum number of task attempt loops running
	// simultaneously. Submitted tasks beyond this bound stay Pending until
	// a slot frees up.
	Concurrency int

	// Capacity bounds the task registry. Submit returns ErrQueueFull once
	// this many live tasks are registered.
	Capacity int

	// FailureThreshold is the number of consecutive downstream failures
	// that trips the circuit breaker open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open trial call.
	ResetTimeout time.Duration

	// MaxAttempts bounds the attempt loop per task, counting synthetic
	// circuit-open attempts.
	MaxAttempts int

	// BaseDelay and MaxDelay parameterize the exponential retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// CallTimeout is the hard deadline applied to every downstream call.
	CallTimeout time.Duration

	// TaskTTL is how long terminal tasks remain queryable before the
	// registry sweeper evicts them.
	TaskTTL time.Duration

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time Stop waits for in-flight attempt
	// loops to finish.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      10,
		Capacity:         1024,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MaxAttempts:      4,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		CallTimeout:      60 * time.Second,
		TaskTTL:          15 * time.Minute,
		SweepInterval:    time.Minute,
		ShutdownTimeout:  30 * time.Second,
	}
}
