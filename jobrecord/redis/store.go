// Package redis implements jobrecord.Store using Redis Hashes, one hash
// per job record. Suited to deployments that already front the document
// store with Redis and want low-latency status reads for polling clients.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/jobrecord"
)

// All keys are prefixed with "conduit:" to avoid collisions.
const keyPrefix = "conduit:"

// jobKey returns the key for a job record: conduit:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

var _ jobrecord.Store = (*Store)(nil)

// Store implements jobrecord.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateJob persists a new job record as a hash.
func (s *Store) CreateJob(ctx context.Context, rec *jobrecord.Record) error {
	key := jobKey(rec.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return conduit.ErrJobAlreadyExists
	}

	if err := s.client.HSet(ctx, key, recordToMap(rec)).Err(); err != nil {
		return fmt.Errorf("conduit/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by id.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*jobrecord.Record, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conduit.ErrJobNotFound
	}
	return mapToRecord(vals)
}

// UpdateStatus writes a task outcome into the job record.
func (s *Store) UpdateStatus(ctx context.Context, jobID id.JobID, status string, result []byte, errMsg string) error {
	key := jobKey(jobID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return conduit.ErrJobNotFound
	}

	fields := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(result) > 0 {
		fields["result"] = string(result)
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("conduit/redis: update job status: %w", err)
	}
	return nil
}

// ── helpers ──

func recordToMap(rec *jobrecord.Record) map[string]interface{} {
	m := map[string]interface{}{
		"id":         rec.ID.String(),
		"status":     rec.Status,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !rec.TaskID.IsNil() {
		m["task_id"] = rec.TaskID.String()
	}
	if len(rec.Result) > 0 {
		m["result"] = string(rec.Result)
	}
	if rec.Error != "" {
		m["error"] = rec.Error
	}
	return m
}

func mapToRecord(m map[string]string) (*jobrecord.Record, error) {
	jobID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: parse job id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	rec := &jobrecord.Record{
		Entity: conduit.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:     jobID,
		Status: m["status"],
		Error:  m["error"],
	}
	if v := m["task_id"]; v != "" {
		rec.TaskID, _ = id.ParseTaskID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["result"]; v != "" {
		rec.Result = []byte(v)
	}
	return rec, nil
}
