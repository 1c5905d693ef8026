// Package core provides the domain models and interfaces for the jobs package.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects which registered Executor runs a job.
type JobType string

func (t JobType) String() string { return string(t) }

// Job is the unit of work carried through the shared queue.
// It is created by a producer at enqueue time and is read-only afterwards,
// except for Attempt which only the worker pool increments.
type Job struct {
	// ID is the caller-chosen identity and the deduplication key.
	ID string `json:"job_id"`
	// UUID distinguishes separate enqueue attempts of the same ID.
	UUID       string          `json:"job_uuid"`
	Type       JobType         `json:"job_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RunAt      *time.Time      `json:"run_at,omitempty"`
}

// Decode unmarshals the job payload into v.
// A payload that cannot be decoded is a programmer error and is never retried.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return NoRetry(fmt.Errorf("%w: empty payload for %s", ErrMalformedPayload, j.Type))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return NoRetry(fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	return nil
}

// Executor runs one job type.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *Job) error

// Execute calls f(ctx, job).
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}
