package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/coordinated-jobs/pkg/coord"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/internal/handler"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/security"
)

// Store key prefixes.
const (
	dedupPrefix   = "dedup:"
	queuePrefix   = "queue:"
	delayedPrefix = "delayed:"
)

// promoteBatch bounds how many due delayed jobs one Dequeue moves.
const promoteBatch = 100

// Status is the outcome of an enqueue attempt.
type Status int

const (
	// Accepted means the job was pushed (or deferred) onto the queue.
	Accepted Status = iota
	// Duplicate means a live marker for the job ID already existed.
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return metrics.ResultAccepted
	case Duplicate:
		return metrics.ResultDuplicate
	default:
		return "unknown"
	}
}

// Result describes an enqueue attempt. Job is nil for duplicates.
type Result struct {
	Status Status
	Job    *core.Job
}

// Accepted reports whether the job was enqueued.
func (r Result) Accepted() bool { return r.Status == Accepted }

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithClock sets the time source for enqueue timestamps and delayed jobs.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// Queue is the shared job queue plus the process-local executor registry.
type Queue struct {
	store   coord.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	executors map[core.JobType]core.Executor
	eventSubs []chan core.Event
}

// New creates a Queue on top of the given coordination store.
func New(store coord.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		executors: make(map[core.JobType]core.Executor),
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Store returns the underlying coordination store.
func (q *Queue) Store() coord.Store {
	return q.store
}

// Metrics returns the metrics sink, which may be nil.
func (q *Queue) Metrics() *metrics.Metrics {
	return q.metrics
}

// Register binds an executor to a job type.
// It panics on an invalid type name, a nil executor or a second registration
// for the same type.
func (q *Queue) Register(jobType core.JobType, exec core.Executor) {
	if err := security.ValidateJobType(jobType); err != nil {
		panic(fmt.Sprintf("jobs: invalid job type %q: %v", jobType, err))
	}
	if exec == nil {
		panic(fmt.Sprintf("jobs: nil executor for %q", jobType))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.executors[jobType]; dup {
		panic(fmt.Sprintf("jobs: executor for %q already registered", jobType))
	}
	q.executors[jobType] = exec
}

// RegisterFunc binds a plain function to a job type. fn must have the
// signature func(ctx context.Context, args T) error, func(args T) error or
// func(ctx context.Context) error; the job payload is decoded into T.
// It panics on an invalid function and on the same conditions as Register.
func (q *Queue) RegisterFunc(jobType core.JobType, fn any) {
	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("jobs: invalid handler for %q: %v", jobType, err))
	}
	q.Register(jobType, h)
}

// Executor returns the executor registered for jobType.
func (q *Queue) Executor(jobType core.JobType) (core.Executor, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.executors[jobType]
	return e, ok
}

// Types returns the registered job types in sorted order.
func (q *Queue) Types() []core.JobType {
	q.mu.RLock()
	types := make([]core.JobType, 0, len(q.executors))
	for t := range q.executors {
		types = append(types, t)
	}
	q.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Enqueue adds a job unless a live marker for jobID already exists.
//
// A duplicate is reported in the Result, not as an error. Errors are returned
// only for invalid input or when the coordination store fails; in the latter
// case the marker is removed again so a later attempt is not suppressed.
func (q *Queue) Enqueue(ctx context.Context, jobType core.JobType, jobID string, payload any, opts ...Option) (Result, error) {
	if err := security.ValidateJobType(jobType); err != nil {
		return Result{}, err
	}
	if err := security.ValidateJobID(jobID); err != nil {
		return Result{}, err
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("jobs: failed to marshal payload: %w", err)
	}
	if len(raw) > security.MaxPayloadSize {
		return Result{}, core.ErrPayloadTooLarge
	}

	now := q.now().UTC()
	job := &core.Job{
		ID:         jobID,
		UUID:       uuid.New().String(),
		Type:       jobType,
		Payload:    raw,
		MaxRetries: options.MaxRetries,
		EnqueuedAt: now,
	}
	if options.Delay > 0 {
		runAt := now.Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		runAt := options.RunAt.UTC()
		job.RunAt = &runAt
	}

	markerKey := dedupPrefix + jobID
	won, err := q.store.SetNX(ctx, markerKey, job.UUID, options.DedupTTL)
	if err != nil {
		q.metrics.Enqueued(jobType.String(), metrics.ResultError)
		return Result{}, fmt.Errorf("jobs: failed to set dedup marker: %w", err)
	}
	if !won {
		q.metrics.Enqueued(jobType.String(), metrics.ResultDuplicate)
		q.logger.Debug("duplicate job skipped", "job_id", jobID, "job_type", jobType)
		return Result{Status: Duplicate}, nil
	}

	if err := q.put(ctx, job); err != nil {
		// Use a fresh context so a cancelled caller does not strand the marker.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, delErr := q.store.DeleteIfEquals(cleanupCtx, markerKey, job.UUID); delErr != nil {
			q.logger.Error("failed to remove dedup marker after enqueue error",
				"job_id", jobID, "error", delErr)
		}
		q.metrics.Enqueued(jobType.String(), metrics.ResultError)
		return Result{}, fmt.Errorf("jobs: failed to enqueue: %w", err)
	}

	q.metrics.Enqueued(jobType.String(), metrics.ResultAccepted)
	q.logger.Debug("job enqueued", "job_id", jobID, "job_type", jobType, "job_uuid", job.UUID)
	return Result{Status: Accepted, Job: job}, nil
}

// put writes the envelope to the ready list, or to the delayed set when the
// job carries a future RunAt.
func (q *Queue) put(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.RunAt != nil && job.RunAt.After(q.now()) {
		return q.store.Defer(ctx, delayedPrefix+job.Type.String(), string(data), *job.RunAt)
	}
	return q.store.Push(ctx, queuePrefix+job.Type.String(), string(data))
}

// Dequeue removes and returns the next ready job of jobType.
// It returns (nil, nil) when nothing is ready. An envelope that cannot be
// decoded is consumed and reported as core.ErrMalformedPayload.
func (q *Queue) Dequeue(ctx context.Context, jobType core.JobType) (*core.Job, error) {
	if err := q.promote(ctx, jobType); err != nil {
		return nil, err
	}

	data, err := q.store.Pop(ctx, queuePrefix+jobType.String())
	if errors.Is(err, coord.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to dequeue %s: %w", jobType, err)
	}

	var job core.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("%w: %s envelope: %v", core.ErrMalformedPayload, jobType, err)
	}
	return &job, nil
}

// promote moves due delayed jobs onto the ready list. Members returned
// alongside an error are still placed: they are already gone from the set.
func (q *Queue) promote(ctx context.Context, jobType core.JobType) error {
	set := delayedPrefix + jobType.String()
	due, takeErr := q.store.TakeDue(ctx, set, q.now(), promoteBatch)
	for i, member := range due {
		if err := q.store.Push(ctx, queuePrefix+jobType.String(), member); err != nil {
			// Put the rest back so they are retried on the next poll.
			for _, m := range due[i:] {
				if dErr := q.store.Defer(ctx, set, m, q.now()); dErr != nil {
					q.logger.Error("lost delayed job while promoting", "job_type", jobType, "error", dErr)
				}
			}
			return fmt.Errorf("jobs: failed to promote delayed %s: %w", jobType, err)
		}
	}
	if takeErr != nil {
		return fmt.Errorf("jobs: failed to promote delayed %s: %w", jobType, takeErr)
	}
	return nil
}

// Requeue puts an already-enqueued job back for another attempt after delay.
// The dedup marker is not consulted: the original enqueue still owns it.
func (q *Queue) Requeue(ctx context.Context, job *core.Job, delay time.Duration) error {
	job.RunAt = nil
	if delay > 0 {
		runAt := q.now().UTC().Add(delay)
		job.RunAt = &runAt
	}
	if err := q.put(ctx, job); err != nil {
		return fmt.Errorf("jobs: failed to requeue %s: %w", job.ID, err)
	}
	return nil
}

// Forget deletes the dedup marker for jobID so the same ID can be enqueued
// again before the marker would have expired.
func (q *Queue) Forget(ctx context.Context, jobID string) error {
	if err := q.store.Delete(ctx, dedupPrefix+jobID); err != nil {
		return fmt.Errorf("jobs: failed to forget %s: %w", jobID, err)
	}
	return nil
}

// Depth returns the number of ready jobs of jobType.
func (q *Queue) Depth(ctx context.Context, jobType core.JobType) (int64, error) {
	n, err := q.store.Len(ctx, queuePrefix+jobType.String())
	if err != nil {
		return 0, fmt.Errorf("jobs: failed to read depth of %s: %w", jobType, err)
	}
	return n, nil
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full
		}
	}
}
