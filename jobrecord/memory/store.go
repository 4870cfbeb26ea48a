// Package memory is a fully in-memory jobrecord.Store. Safe for concurrent
// use. Intended for unit testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/jobrecord"
)

var _ jobrecord.Store = (*Store)(nil)

// Store holds job records in a mutex-guarded map.
type Store struct {
	mu      sync.RWMutex
	records map[string]*jobrecord.Record
}

// New returns a new empty Store.
func New() *Store {
	return &Store{records: make(map[string]*jobrecord.Record)}
}

// CreateJob persists a new job record.
func (m *Store) CreateJob(_ context.Context, rec *jobrecord.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.ID.String()
	if _, exists := m.records[key]; exists {
		return conduit.ErrJobAlreadyExists
	}
	cp := *rec
	m.records[key] = &cp
	return nil
}

// GetJob retrieves a job record by id.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*jobrecord.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateStatus writes a task outcome into the job record.
func (m *Store) UpdateStatus(_ context.Context, jobID id.JobID, status string, result []byte, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID.String()]
	if !ok {
		return conduit.ErrJobNotFound
	}
	rec.Status = status
	rec.Result = result
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
