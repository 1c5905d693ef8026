// Package jobs coordinates background jobs across many worker processes that
// share a Redis-compatible store and a SQL database.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	q := jobs.New(jobs.NewRedisStore(client))
//
//	// Register an executor
//	q.Register("send-email", jobs.ExecutorFunc(func(ctx context.Context, job *jobs.Job) error {
//	    var to string
//	    if err := job.Decode(&to); err != nil {
//	        return err
//	    }
//	    return sendEmail(ctx, to)
//	}))
//
//	// Enqueue at most once per job ID while the dedup marker lives
//	res, err := q.Enqueue(ctx, "send-email", "welcome:user-42", "user@example.com")
//
//	// Start a worker
//	worker := jobs.NewWorker(q, jobs.Concurrency(4))
//	worker.Start(ctx)
package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jdziat/coordinated-jobs/pkg/backoff"
	"github.com/jdziat/coordinated-jobs/pkg/coord"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/jobctx"
	"github.com/jdziat/coordinated-jobs/pkg/lock"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
	"github.com/jdziat/coordinated-jobs/pkg/schedule"
	"github.com/jdziat/coordinated-jobs/pkg/security"
	"github.com/jdziat/coordinated-jobs/pkg/storage"
	"github.com/jdziat/coordinated-jobs/pkg/worker"
)

type (
	// Job is the unit of work carried through the shared queue.
	Job = core.Job

	// JobType selects the executor that runs a job.
	JobType = core.JobType

	// Executor runs one job type.
	Executor = core.Executor

	// ExecutorFunc adapts a function to the Executor interface.
	ExecutorFunc = core.ExecutorFunc

	// Starter is a long-running component.
	Starter = core.Starter

	// Event is the interface for all queue events.
	Event = core.Event

	// JobStarted is emitted when a job starts processing.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a job is retried.
	JobRetrying = core.JobRetrying

	// JobDropped is emitted when a job cannot be run at all.
	JobDropped = core.JobDropped

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError

	// Store is the shared coordination store.
	Store = coord.Store

	// RedisStore implements Store on Redis.
	RedisStore = coord.RedisStore

	// MemoryStore implements Store in process memory.
	MemoryStore = coord.MemoryStore

	// Queue deduplicates, enqueues and hands out jobs.
	Queue = queue.Queue

	// QueueOption configures a Queue.
	QueueOption = queue.QueueOption

	// Option modifies Options.
	Option = queue.Option

	// Options holds per-enqueue configuration.
	Options = queue.Options

	// Result reports whether an enqueue was accepted.
	Result = queue.Result

	// Locker hands out leases on named locks.
	Locker = lock.Locker

	// Lease is a held lock.
	Lease = lock.Lease

	// Worker processes jobs from the queue.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// WorkerConfig holds worker configuration.
	WorkerConfig = worker.WorkerConfig

	// Schedule defines when a job should run next.
	Schedule = schedule.Schedule

	// Scheduler enqueues recurring definitions when they are due.
	Scheduler = schedule.Scheduler

	// Definition describes one recurring job.
	Definition = schedule.Definition

	// Trigger is the payload of a scheduled job.
	Trigger = schedule.Trigger

	// ScheduleState is the persisted run history of a definition.
	ScheduleState = core.ScheduleState

	// GormStorage persists schedule state using GORM.
	GormStorage = storage.GormStorage

	// BackoffPolicy configures retries.
	BackoffPolicy = backoff.Policy
)

// Enqueue results
const (
	Accepted  = queue.Accepted
	Duplicate = queue.Duplicate
)

// Security limits
const (
	MaxJobTypeLength      = security.MaxJobTypeLength
	MaxJobIDLength        = security.MaxJobIDLength
	MaxPayloadSize        = security.MaxPayloadSize
	MaxRetries            = security.MaxRetries
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrInvalidJobType   = core.ErrInvalidJobType
	ErrJobTypeTooLong   = core.ErrJobTypeTooLong
	ErrInvalidJobID     = core.ErrInvalidJobID
	ErrJobIDTooLong     = core.ErrJobIDTooLong
	ErrPayloadTooLarge  = core.ErrPayloadTooLarge
	ErrUnknownJobType   = core.ErrUnknownJobType
	ErrMalformedPayload = core.ErrMalformedPayload
	ErrNotFound         = core.ErrNotFound
)

// Default values
var (
	DefaultDedupTTL   = queue.DefaultDedupTTL
	DefaultJobRetries = queue.DefaultJobRetries
)

// New creates a new Queue on the given coordination store.
func New(s Store, opts ...QueueOption) *Queue {
	return queue.New(s, opts...)
}

// NewRedisStore creates a coordination store on a Redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return coord.NewRedisStore(client)
}

// NewMemoryStore creates an in-process coordination store.
func NewMemoryStore() *MemoryStore {
	return coord.NewMemoryStore()
}

// NewLocker creates a Locker on the given coordination store.
func NewLocker(s Store) *Locker {
	return lock.New(s)
}

// NewGormStorage creates a new GORM-backed schedule store.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewScheduler creates a Scheduler.
func NewScheduler(store *GormStorage, q *Queue, lk *Locker) *Scheduler {
	return schedule.NewScheduler(store, q, lk)
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return queue.NewOptions()
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// ValidateJobType validates a job type.
func ValidateJobType(t JobType) error {
	return security.ValidateJobType(t)
}

// ValidateJobID validates a job ID.
func ValidateJobID(id string) error {
	return security.ValidateJobID(id)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// ClampRetries ensures retry count is within limits.
func ClampRetries(n int) int {
	return security.ClampRetries(n)
}

// ClampConcurrency ensures concurrency is within limits.
func ClampConcurrency(n int) int {
	return security.ClampConcurrency(n)
}

// Job option functions

// DedupTTL sets how long the job ID is remembered.
func DedupTTL(d time.Duration) Option {
	return queue.DedupTTL(d)
}

// Retries sets the maximum retry count.
func Retries(n int) Option {
	return queue.Retries(n)
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return queue.At(t)
}

// Worker option functions

// Concurrency sets how many jobs run at once.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// PollInterval sets how often the queue is polled.
func PollInterval(d time.Duration) WorkerOption {
	return worker.PollInterval(d)
}

// WithScheduler runs s alongside the worker.
func WithScheduler(s *Scheduler) WorkerOption {
	return worker.WithScheduler(s)
}

// WorkerQueue adds a job type to poll.
func WorkerQueue(jobType JobType) WorkerOption {
	return worker.WorkerQueue(jobType)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a cron expression. It panics on an invalid
// expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// ParseCron creates a schedule from a cron expression.
func ParseCron(expr string) (Schedule, error) {
	return schedule.ParseCron(expr)
}

// CycleID formats t as a cycle identifier.
func CycleID(t time.Time) string {
	return schedule.CycleID(t)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
// Use this to get the job ID for logging or progress tracking.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}
