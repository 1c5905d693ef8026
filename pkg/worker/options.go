package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/backoff"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/schedule"
	"github.com/jdziat/coordinated-jobs/pkg/security"
)

// Default values.
var (
	DefaultConcurrency  = 4
	DefaultPollInterval = 250 * time.Millisecond
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// Types lists the job types to poll. Empty means every type registered
	// on the queue when Start is called.
	Types        []core.JobType
	Concurrency  int
	PollInterval time.Duration
	WorkerID     string
	Scheduler    *schedule.Scheduler

	// DequeueRetry is applied to a failing dequeue before the poll gives up
	// until the next tick.
	DequeueRetry *backoff.Policy
	// JobBackoff computes the delay before a failed job is visible again.
	JobBackoff *backoff.Policy

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// WorkerQueue adds a job type to poll.
func WorkerQueue(jobType core.JobType) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Types = append(c.Types, jobType)
	})
}

// Concurrency sets how many jobs run at once in this process.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets the period of the queue poll loop.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WithWorkerID sets the identifier used in log lines.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithScheduler runs s alongside the poll loop.
func WithScheduler(s *schedule.Scheduler) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Scheduler = s
	})
}

// WithDequeueRetry overrides the dequeue retry policy.
func WithDequeueRetry(p backoff.Policy) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &p
	})
}

// WithJobBackoff overrides the delay policy for failed jobs.
func WithJobBackoff(p backoff.Policy) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.JobBackoff = &p
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Metrics = m
	})
}
