// Package jobs centralizes the job lifecycle state (spec.md §6) and a
// thin façade over the persistence tier, which this repository consumes
// but does not own (spec.md §1 Non-goals).
package jobs

import (
	"context"

	"deepresearch/internal/model"
)

// Status mirrors model.JobStatus's string values. Centralizing them
// here, rather than scattering string literals across the worker and
// any future HTTP front door, follows the same convention the
// reference repo used for its own status constants.
type Status = model.JobStatus

const (
	StatusPending    = model.JobPending
	StatusProcessing = model.JobProcessing
	StatusCompleted  = model.JobCompleted
	StatusFailed     = model.JobFailed
)

// Store is the persistence contract the pipeline executor's caller
// (cmd/research-worker) depends on. It is consumed, not owned: the only
// implementation shipped in this repository is the no-op NullStore
// below, matching spec.md §1's explicit exclusion of persistent job
// storage. A caller that
// needs durable jobs plugs in its own Store (Postgres, a KV store, a
// mock) behind this interface.
type Store interface {
	// Get returns the job record for id, or an error if it does not
	// exist.
	Get(ctx context.Context, id string) (*model.Job, error)

	// MarkProcessing transitions a job to StatusProcessing on task
	// start (spec.md §6).
	MarkProcessing(ctx context.Context, id string) error

	// MarkCompleted transitions a job to StatusCompleted and stores its
	// terminal payload, on a successful complete event (spec.md §6).
	MarkCompleted(ctx context.Context, id string, result model.CompletePayload) error

	// MarkFailed transitions a job to StatusFailed with the given
	// error message, after retries are exhausted (spec.md §6).
	MarkFailed(ctx context.Context, id string, errMessage string) error
}

// NullStore is a Store that does nothing; every method is a no-op
// returning a nil error. It lets cmd/research-worker run without a
// configured persistence backend, matching spec.md §7: "persistence
// failure is non-fatal to the client stream."
type NullStore struct{}

func (NullStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return &model.Job{ID: id, Status: StatusPending}, nil
}

func (NullStore) MarkProcessing(ctx context.Context, id string) error { return nil }

func (NullStore) MarkCompleted(ctx context.Context, id string, result model.CompletePayload) error {
	return nil
}

func (NullStore) MarkFailed(ctx context.Context, id string, errMessage string) error { return nil }
