// Package limiter controls per-task-name delivery rates and concurrency.
// It protects the downstream transcription service from bursts that the
// circuit breaker would otherwise have to absorb as failures.
package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-task-name behaviour such as rate limiting and
// concurrency.
type Config struct {
	// Name is the task name the limits apply to.
	Name string

	// MaxConcurrency limits how many deliveries for this task name may
	// run simultaneously. Zero means no name-specific limit (the
	// dispatcher-wide concurrency bound still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained deliveries per second for this
	// task name. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// nameState tracks runtime state for a single task name.
type nameState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-task-name rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	names map[string]*nameState
}

// NewManager creates a Manager with the given configurations. Task names
// not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{names: make(map[string]*nameState, len(configs))}
	for _, cfg := range configs {
		m.names[cfg.Name] = newNameState(cfg)
	}
	return m
}

func newNameState(cfg Config) *nameState {
	ns := &nameState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ns.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ns
}

// Acquire checks rate limits and concurrency for the given task name.
// If the delivery is allowed to proceed it increments the active counter
// and returns true. The caller MUST call Release when the attempt ends.
func (m *Manager) Acquire(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.names[name]
	if ns == nil {
		return true
	}
	if ns.limiter != nil && !ns.limiter.Allow() {
		return false
	}
	if ns.config.MaxConcurrency > 0 && ns.active >= ns.config.MaxConcurrency {
		return false
	}
	ns.active++
	return true
}

// Release decrements the active delivery count for the task name.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns := m.names[name]; ns != nil && ns.active > 0 {
		ns.active--
	}
}

// SetConfig dynamically updates (or creates) a task name configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.names[cfg.Name]
	ns := newNameState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ns.active = existing.active
	}
	m.names[cfg.Name] = ns
}

// ActiveCount returns the current number of active deliveries for a
// task name.
func (m *Manager) ActiveCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns := m.names[name]; ns != nil {
		return ns.active
	}
	return 0
}
