package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/coordinated-jobs/pkg/backoff"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/jobctx"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
	"github.com/jdziat/coordinated-jobs/pkg/security"
)

// ErrNoJobTypes is returned by Start when there is nothing to poll.
var ErrNoJobTypes = errors.New("jobs: worker has no job types to poll")

// Worker processes jobs from the queue.
type Worker struct {
	queue   *queue.Queue
	config  WorkerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	// next is the round-robin cursor over job types; only the poll loop uses it.
	next int
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:  DefaultConcurrency,
		PollInterval: DefaultPollInterval,
		WorkerID:     uuid.New().String(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.DequeueRetry == nil {
		// Use longer backoff for dequeue to avoid hammering the store during outages
		dequeueCfg := backoff.Policy{
			MaxAttempts: 3,
			Base:        500 * time.Millisecond,
			Max:         10 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		}
		config.DequeueRetry = &dequeueCfg
	}
	if config.JobBackoff == nil {
		jobCfg := backoff.Exponential(0, time.Second, time.Minute)
		config.JobBackoff = &jobCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := config.Metrics
	if m == nil {
		m = q.Metrics()
	}

	return &Worker{
		queue:   q,
		config:  config,
		logger:  logger.With("worker_id", config.WorkerID),
		metrics: m,
	}
}

var _ core.Starter = (*Worker)(nil)

// Start begins processing jobs. Blocks until context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	types := w.config.Types
	if len(types) == 0 {
		types = w.queue.Types()
	}
	if len(types) == 0 {
		return ErrNoJobTypes
	}

	// A job is only popped once a slot is taken, so at most Concurrency jobs
	// are out of the queue at a time.
	jobsChan := make(chan *core.Job)
	slots := make(chan struct{}, w.config.Concurrency)

	if s := w.config.Scheduler; s != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := s.Run(ctx); err != nil && !isContextErr(err) {
				w.logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan, slots)
	}

	w.logger.Info("worker started", "job_types", types, "concurrency", w.config.Concurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx, types, jobsChan, slots)
		}
	}
}

// poll hands ready jobs to the processing goroutines until the queue is
// empty or every slot is busy.
func (w *Worker) poll(ctx context.Context, types []core.JobType, jobs chan<- *core.Job, slots chan struct{}) {
	for {
		select {
		case slots <- struct{}{}:
		default:
			return
		}

		job, err := w.dequeueNext(ctx, types)
		if err != nil {
			<-slots
			if !isContextErr(err) {
				w.logger.Error("failed to dequeue after retries", "error", err)
			}
			return
		}
		if job == nil {
			<-slots
			return
		}
		select {
		case jobs <- job:
		case <-ctx.Done():
			<-slots
			w.putBack(job, 0)
			return
		}
	}
}

// dequeueNext tries each type once, starting after the type served last.
func (w *Worker) dequeueNext(ctx context.Context, types []core.JobType) (*core.Job, error) {
	for i := 0; i < len(types); i++ {
		jobType := types[w.next%len(types)]
		w.next++

		job, err := w.dequeueWithRetry(ctx, jobType)
		if errors.Is(err, core.ErrMalformedPayload) {
			w.logger.Error("dropping malformed job", "job_type", jobType, "error", err)
			w.metrics.Processed(jobType.String(), metrics.OutcomeDropped, 0)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, jobType core.JobType) (*core.Job, error) {
	var job *core.Job
	err := backoff.Retry(ctx, *w.config.DequeueRetry, func(attempt int) error {
		var dequeueErr error
		job, dequeueErr = w.queue.Dequeue(ctx, jobType)
		if dequeueErr != nil && errors.Is(dequeueErr, core.ErrMalformedPayload) {
			return core.NoRetry(dequeueErr)
		}
		if dequeueErr != nil {
			w.logger.Warn("dequeue failed", "job_type", jobType, "attempt", attempt, "error", dequeueErr)
		}
		return dequeueErr
	})
	var nr *core.NoRetryError
	if errors.As(err, &nr) {
		return nil, nr.Err
	}
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job, slots <-chan struct{}) {
	defer w.wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			w.putBack(job, 0)
		} else {
			w.processJob(ctx, job)
		}
		<-slots
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	job.Attempt++
	log := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)

	exec, ok := w.queue.Executor(job.Type)
	if !ok {
		log.Error("no executor registered for job type, dropping job")
		w.metrics.Processed(job.Type.String(), metrics.OutcomeDropped, 0)
		w.queue.Emit(&core.JobDropped{Job: job, Reason: core.ErrUnknownJobType, Timestamp: startTime})
		return
	}

	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})
	log.Debug("job started")

	err := w.executeHandler(jobctx.WithJob(ctx, job), job, exec)
	duration := time.Since(startTime)

	if err != nil {
		w.handleError(ctx, log, job, err, duration)
		return
	}

	log.Debug("job completed", "duration", duration)
	w.metrics.Processed(job.Type.String(), metrics.OutcomeCompleted, duration)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: duration, Timestamp: time.Now()})
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job, exec core.Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return exec.Execute(ctx, job)
}

func (w *Worker) handleError(ctx context.Context, log *slog.Logger, job *core.Job, err error, duration time.Duration) {
	msg := security.SanitizeErrorMessage(err.Error())

	// Interrupted by shutdown: the attempt does not count.
	if ctx.Err() != nil && isContextErr(err) {
		log.Info("job interrupted by shutdown, requeueing")
		job.Attempt--
		w.putBack(job, 0)
		return
	}

	// Check for NoRetry
	if core.IsNoRetry(err) {
		w.fail(log, job, err, msg, duration)
		return
	}

	if job.Attempt > job.MaxRetries {
		w.fail(log, job, err, msg, duration)
		return
	}

	delay := w.config.JobBackoff.Delay(job.Attempt)
	// Check for RetryAfter
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		delay = retryAfter.Delay
	}

	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if reqErr := w.queue.Requeue(requeueCtx, job, delay); reqErr != nil {
		log.Error("failed to requeue job, it will not be retried", "error", reqErr, "job_error", msg)
		w.metrics.Processed(job.Type.String(), metrics.OutcomeFailed, duration)
		w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
		return
	}

	retryAt := time.Now().Add(delay)
	log.Warn("job failed, retrying", "error", msg, "retry_in", delay)
	w.metrics.Processed(job.Type.String(), metrics.OutcomeRetried, duration)
	w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
}

func (w *Worker) fail(log *slog.Logger, job *core.Job, err error, msg string, duration time.Duration) {
	log.Error("job failed permanently", "error", msg, "max_retries", job.MaxRetries)
	w.metrics.Processed(job.Type.String(), metrics.OutcomeFailed, duration)
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// putBack returns a job the worker took but did not finish. It runs during
// shutdown, so it uses a context detached from the worker's.
func (w *Worker) putBack(job *core.Job, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Requeue(ctx, job, delay); err != nil {
		w.logger.Error("failed to return job to the queue", "job_id", job.ID, "job_type", job.Type, "error", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
