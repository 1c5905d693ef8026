// Package dispatch implements the two-phase fan-out: a singleton dispatcher
// job that enumerates eligible entities under a short lock and enqueues one
// idempotent child job per entity.
//
// The lock only ever covers enumeration and enqueueing. The slow per-entity
// work happens in the child jobs, which any worker may pick up.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/lock"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
	"github.com/jdziat/coordinated-jobs/pkg/schedule"
)

// Default values.
var (
	DefaultLockTTL   = 5 * time.Minute
	DefaultBatchSize = 1000
	DefaultMaxPerRun = 10000
)

// State is a step of a dispatcher cycle.
type State string

const (
	StateClaimingLock State = "claiming_lock"
	StateEnumerating  State = "enumerating"
	StateFanningOut   State = "fanning_out"
	StateReleasing    State = "releasing"
	StateDone         State = "done"
)

// Entity is a domain record a dispatcher fans out over.
type Entity interface {
	EntityID() string
}

// Source is the domain store as seen by a dispatcher.
type Source[E Entity] interface {
	// Reclaim resets entities stuck in processing past the stale timeout to
	// their eligible status and reports how many were reset.
	Reclaim(ctx context.Context) (int64, error)
	// Eligible returns up to limit eligible entities whose EntityID sorts
	// after the cursor, in ascending EntityID order. An empty cursor starts
	// at the beginning. Entities claimed by children while the dispatcher
	// pages leave the result without shifting the ones not yet seen.
	Eligible(ctx context.Context, after string, limit int) ([]E, error)
}

// Recorder persists a successful dispatcher run. *schedule.Scheduler
// implements it.
type Recorder interface {
	RecordRun(ctx context.Context, name string, at time.Time, deferred bool) error
}

// Config describes one dispatcher.
type Config struct {
	// Name is the recurring definition the dispatcher serves.
	Name string
	// LockKey defaults to "dispatch:<Name>".
	LockKey string
	LockTTL time.Duration

	BatchSize int
	MaxPerRun int

	ChildType    core.JobType
	DedupTTL     time.Duration
	ChildRetries int
}

// ChildPayload is enqueued for every entity. Children re-read the entity
// from the domain store, so only its identity travels.
type ChildPayload struct {
	EntityID string `json:"entity_id"`
	Cycle    string `json:"cycle"`
}

// ChildJobID returns the per-cycle job ID of an entity's child job.
func ChildJobID(childType core.JobType, entityID, cycle string) string {
	return fmt.Sprintf("%s:%s:%s", childType, entityID, cycle)
}

// Report summarizes one cycle.
type Report struct {
	Cycle      string
	Acquired   bool
	Reclaimed  int64
	Scanned    int
	Enqueued   int
	Duplicates int
	// Deferred is set when the cycle stopped at MaxPerRun while eligible
	// entities remained.
	Deferred bool
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder Recorder
	now      func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRecorder sets where successful runs are recorded.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithClock sets the time source for recorded runs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Dispatcher fans out child jobs over the eligible entities of a Source.
type Dispatcher[E Entity] struct {
	cfg    Config
	source Source[E]
	queue  *queue.Queue
	locker *lock.Locker
	options
}

// New creates a Dispatcher. It panics if cfg has no Name or ChildType.
func New[E Entity](cfg Config, src Source[E], q *queue.Queue, lk *lock.Locker, opts ...Option) *Dispatcher[E] {
	if cfg.Name == "" || cfg.ChildType == "" {
		panic(fmt.Sprintf("jobs: incomplete dispatcher config %+v", cfg))
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "dispatch:" + cfg.Name
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = DefaultMaxPerRun
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > cfg.MaxPerRun {
		cfg.BatchSize = cfg.MaxPerRun
	}

	d := &Dispatcher[E]{
		cfg:     cfg,
		source:  src,
		queue:   q,
		locker:  lk,
		options: options{logger: slog.Default(), now: time.Now, metrics: q.Metrics()},
	}
	for _, o := range opts {
		o(&d.options)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher[E]) Config() Config {
	return d.cfg
}

// Run executes one cycle. A lock held by another dispatcher is not an
// error: the report has Acquired unset and nothing else happens.
// The lock is released on every exit path.
func (d *Dispatcher[E]) Run(ctx context.Context, cycle string) (*Report, error) {
	report := &Report{Cycle: cycle}
	log := d.logger.With("dispatcher", d.cfg.Name, "cycle", cycle)

	d.transition(log, StateClaimingLock)
	acquired, err := d.locker.With(ctx, d.cfg.LockKey, d.cfg.LockTTL, func(ctx context.Context) error {
		defer d.transition(log, StateReleasing)
		report.Acquired = true
		return d.fanOut(ctx, log, report)
	})
	d.transition(log, StateDone)

	switch {
	case err != nil:
		d.metrics.DispatchRun(d.cfg.Name, metrics.RunFailed)
		log.Error("dispatch cycle failed", "error", err,
			"scanned", report.Scanned, "enqueued", report.Enqueued)
		return report, err
	case !acquired:
		d.metrics.DispatchRun(d.cfg.Name, metrics.RunSkipped)
		log.Info("dispatch lock held by another instance, skipping cycle")
		return report, nil
	}

	d.metrics.DispatchRun(d.cfg.Name, metrics.RunCompleted)
	if report.Deferred {
		d.metrics.Deferred(d.cfg.Name)
		log.Warn("per-run cap reached, remaining entities deferred to the next cycle",
			"max_per_run", d.cfg.MaxPerRun)
	}
	log.Info("dispatch cycle completed",
		"reclaimed", report.Reclaimed,
		"scanned", report.Scanned,
		"enqueued", report.Enqueued,
		"duplicates", report.Duplicates,
		"deferred", report.Deferred)
	return report, nil
}

func (d *Dispatcher[E]) fanOut(ctx context.Context, log *slog.Logger, report *Report) error {
	n, err := d.source.Reclaim(ctx)
	if err != nil {
		// Reclaim is retried next cycle; dispatching what is eligible now is still correct.
		log.Warn("stale reclaim failed", "error", err)
	} else if n > 0 {
		report.Reclaimed = n
		d.metrics.Reclaimed(d.cfg.Name, n)
		log.Info("reclaimed stale entities", "count", n)
	}

	d.transition(log, StateEnumerating)
	cursor := ""
	fanning := false
	for report.Scanned < d.cfg.MaxPerRun {
		limit := min(d.cfg.BatchSize, d.cfg.MaxPerRun-report.Scanned)
		page, err := d.source.Eligible(ctx, cursor, limit)
		if err != nil {
			return fmt.Errorf("enumerate eligible after %q: %w", cursor, err)
		}
		if len(page) == 0 {
			return nil
		}
		if !fanning {
			d.transition(log, StateFanningOut)
			fanning = true
		}

		for _, e := range page {
			report.Scanned++
			if err := d.enqueueChild(ctx, e, report); err != nil {
				return err
			}
		}
		cursor = page[len(page)-1].EntityID()
		if len(page) < limit {
			return nil
		}
	}

	more, err := d.source.Eligible(ctx, cursor, 1)
	if err != nil {
		return fmt.Errorf("probe remaining eligible: %w", err)
	}
	report.Deferred = len(more) > 0
	return nil
}

func (d *Dispatcher[E]) enqueueChild(ctx context.Context, e E, report *Report) error {
	id := e.EntityID()
	opts := []queue.Option{queue.DedupTTL(d.cfg.DedupTTL)}
	if d.cfg.ChildRetries > 0 {
		opts = append(opts, queue.Retries(d.cfg.ChildRetries))
	}

	res, err := d.queue.Enqueue(ctx, d.cfg.ChildType, ChildJobID(d.cfg.ChildType, id, report.Cycle),
		ChildPayload{EntityID: id, Cycle: report.Cycle}, opts...)
	if err != nil {
		return fmt.Errorf("enqueue child for %s: %w", id, err)
	}
	if res.Accepted() {
		report.Enqueued++
		d.metrics.DispatchChild(d.cfg.Name, metrics.ResultAccepted, 1)
	} else {
		report.Duplicates++
		d.metrics.DispatchChild(d.cfg.Name, metrics.ResultDuplicate, 1)
	}
	return nil
}

func (d *Dispatcher[E]) transition(log *slog.Logger, s State) {
	log.Debug("dispatch state", "state", s)
}

// Execute runs the dispatcher as the executor of its scheduled job. The job
// payload is a schedule.Trigger carrying the cycle. A successful cycle that
// held the lock is recorded through the Recorder.
func (d *Dispatcher[E]) Execute(ctx context.Context, job *core.Job) error {
	var trig schedule.Trigger
	if err := job.Decode(&trig); err != nil {
		return err
	}
	if trig.Cycle == "" {
		return core.NoRetry(fmt.Errorf("%w: missing cycle", core.ErrMalformedPayload))
	}

	report, err := d.Run(ctx, trig.Cycle)
	if err != nil {
		return err
	}
	if !report.Acquired || d.recorder == nil {
		return nil
	}

	if err := d.recorder.RecordRun(ctx, d.cfg.Name, d.now(), report.Deferred); err != nil {
		if errors.Is(err, schedule.ErrUnknownSchedule) {
			return core.NoRetry(err)
		}
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}
