// Package mongo implements jobrecord.Store on the MongoDB v2 driver. It is
// wire-compatible with Azure Cosmos DB's Mongo API, which is where the
// transcription backend keeps its job documents.
//
// Usage:
//
//	client, err := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("transcribe"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/jobrecord"
)

// colJobs is the collection holding job records.
const colJobs = "conduit_jobs"

var _ jobrecord.Store = (*Store)(nil)

// Store implements jobrecord.Store backed by a MongoDB database.
// The caller owns the client lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new MongoDB store on the given database handle.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the indexes used by status queries.
func (s *Store) Migrate(ctx context.Context) error {
	models := []mongod.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{
			Keys:    bson.D{{Key: "task_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	}

	_, err := s.db.Collection(colJobs).Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("conduit/mongo: migrate %s indexes: %w", colJobs, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// jobModel is the BSON shape of a job record.
type jobModel struct {
	ID        string    `bson:"_id"`
	TaskID    string    `bson:"task_id,omitempty"`
	Status    string    `bson:"status"`
	Result    []byte    `bson:"result,omitempty"`
	Error     string    `bson:"error,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, rec *jobrecord.Record) error {
	m := toModel(rec)
	_, err := s.db.Collection(colJobs).InsertOne(ctx, m)
	if err != nil {
		if isDuplicateKey(err) {
			return conduit.ErrJobAlreadyExists
		}
		return fmt.Errorf("conduit/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by id.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*jobrecord.Record, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/mongo: get job: %w", err)
	}
	return fromModel(&m)
}

// UpdateStatus writes a task outcome into the job record.
func (s *Store) UpdateStatus(ctx context.Context, jobID id.JobID, status string, result []byte, errMsg string) error {
	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if len(result) > 0 {
		set["result"] = result
	}
	if errMsg != "" {
		set["error"] = errMsg
	}

	res, err := s.db.Collection(colJobs).UpdateOne(ctx,
		bson.M{"_id": jobID.String()},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("conduit/mongo: update job status: %w", err)
	}
	if res.MatchedCount == 0 {
		return conduit.ErrJobNotFound
	}
	return nil
}

// ── helpers ──

func toModel(rec *jobrecord.Record) *jobModel {
	return &jobModel{
		ID:        rec.ID.String(),
		TaskID:    rec.TaskID.String(),
		Status:    rec.Status,
		Result:    rec.Result,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func fromModel(m *jobModel) (*jobrecord.Record, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: parse job id: %w", err)
	}

	rec := &jobrecord.Record{
		Entity: conduit.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:     jobID,
		Status: m.Status,
		Result: m.Result,
		Error:  m.Error,
	}
	if m.TaskID != "" {
		rec.TaskID, _ = id.ParseTaskID(m.TaskID) //nolint:errcheck // best-effort parse from trusted store data
	}
	return rec, nil
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}
