package task

import (
	"sync"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
)

// Registry is the concurrent-safe owner of all live tasks, keyed by task
// id. It is capacity-bounded: Put beyond capacity fails rather than
// evicting live tasks. Terminal tasks are removed by SweepExpired once
// their TTL elapses.
//
// All mutation of task contents goes through Update so critical sections
// stay bounded and readers always observe a consistent snapshot.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	capacity int
}

// NewRegistry creates a Registry bounded to capacity live tasks.
// A capacity of zero or less means unbounded.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		tasks:    make(map[string]*Task),
		capacity: capacity,
	}
}

// Put registers a new task. Returns conduit.ErrQueueFull at capacity and
// conduit.ErrTaskAlreadyExists on id collision.
func (r *Registry) Put(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.tasks) >= r.capacity {
		return conduit.ErrQueueFull
	}

	key := t.ID.String()
	if _, exists := r.tasks[key]; exists {
		return conduit.ErrTaskAlreadyExists
	}
	r.tasks[key] = t
	return nil
}

// Get returns a snapshot of the task, or conduit.ErrTaskNotFound —
// including for tasks already evicted by the sweeper.
func (r *Registry) Get(taskID id.TaskID) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID.String()]
	if !ok {
		return nil, conduit.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Update applies fn to the live task under the registry lock and advances
// its UpdatedAt timestamp. fn must not block or perform I/O.
func (r *Registry) Update(taskID id.TaskID, fn func(*Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID.String()]
	if !ok {
		return conduit.ErrTaskNotFound
	}
	fn(t)
	t.Touch()
	return nil
}

// Remove deletes a task by id.
func (r *Registry) Remove(taskID id.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := taskID.String()
	if _, ok := r.tasks[key]; !ok {
		return conduit.ErrTaskNotFound
	}
	delete(r.tasks, key)
	return nil
}

// SweepExpired evicts terminal tasks whose UpdatedAt is older than
// now − ttl and returns how many were removed. Live (non-terminal) tasks
// are never evicted regardless of age.
func (r *Registry) SweepExpired(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-ttl)
	removed := 0
	for key, t := range r.tasks {
		if t.State.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
