// Package jobrecord defines the document-store collaborator that holds the
// durable job record associated with a task. The dispatcher updates it
// best-effort when a task reaches a terminal state; a failed update is
// logged, never retried indefinitely, and never changes the task's own
// status.
//
// Backends live in subpackages: memory (tests and development), mongo
// (Cosmos DB Mongo API compatible), redis, and postgres.
package jobrecord

import (
	"context"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
)

// Record is the durable job document mirrored by the dispatcher.
type Record struct {
	conduit.Entity

	ID     id.JobID  `json:"id" bson:"_id"`
	TaskID id.TaskID `json:"task_id,omitempty" bson:"task_id,omitempty"`
	// Status echoes the owning task's terminal state ("succeeded",
	// "failed", "cancelled") or an intermediate value the upload pipeline
	// wrote before dispatch.
	Status string `json:"status" bson:"status"`
	Result []byte `json:"result,omitempty" bson:"result,omitempty"`
	Error  string `json:"error,omitempty" bson:"error,omitempty"`
}

// Store is the persistence contract for job records.
type Store interface {
	// CreateJob persists a new job record.
	CreateJob(ctx context.Context, rec *Record) error

	// GetJob retrieves a job record by id.
	GetJob(ctx context.Context, jobID id.JobID) (*Record, error)

	// UpdateStatus writes the terminal outcome of a task into its job
	// record. Exactly one of result / errMsg is expected to be set.
	UpdateStatus(ctx context.Context, jobID id.JobID, status string, result []byte, errMsg string) error
}
