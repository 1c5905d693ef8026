package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/lock"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
)

// Default values.
var (
	DefaultInterval         = 60 * time.Second
	DefaultClaimTTL         = 10 * time.Second
	DefaultBacklogAlertRuns = 3
)

// ErrUnknownSchedule is returned by RecordRun for a name that was never registered.
var ErrUnknownSchedule = errors.New("jobs: unknown schedule")

// Definition describes one recurring job.
type Definition struct {
	// Name identifies the definition in schedule state and prefixes the
	// per-cycle job ID.
	Name     string
	Schedule Schedule
	// JobType is enqueued when the definition is due, with a Trigger payload.
	JobType  core.JobType
	DedupTTL time.Duration
	Retries  int
}

// Trigger is the payload enqueued for a due definition.
type Trigger struct {
	Schedule string `json:"schedule"`
	Cycle    string `json:"cycle"`
	Reason   Reason `json:"reason"`
}

// JobID returns the per-cycle job ID for a definition.
func JobID(name, cycle string) string {
	return name + ":" + cycle
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the period between checks.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClaimTTL sets the lifetime of the scheduling claim.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

// WithBacklogAlert sets how many consecutive capped cycles escalate the
// backlog log line from warning to error.
func WithBacklogAlert(runs int) Option {
	return func(s *Scheduler) {
		if runs > 0 {
			s.backlogAlert = runs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs the periodic due check for registered definitions.
// Every worker process may run one; they coordinate through the lock and
// the queue's dedup markers only.
type Scheduler struct {
	store   core.ScheduleStore
	queue   *queue.Queue
	locker  *lock.Locker
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	interval     time.Duration
	claimTTL     time.Duration
	backlogAlert int

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewScheduler creates a Scheduler.
func NewScheduler(store core.ScheduleStore, q *queue.Queue, lk *lock.Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		queue:        q,
		locker:       lk,
		logger:       slog.Default(),
		now:          time.Now,
		interval:     DefaultInterval,
		claimTTL:     DefaultClaimTTL,
		backlogAlert: DefaultBacklogAlertRuns,
		defs:         make(map[string]Definition),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Register adds a recurring definition. It panics on an incomplete or
// duplicate definition.
func (s *Scheduler) Register(def Definition) {
	if def.Name == "" || def.Schedule == nil || def.JobType == "" {
		panic(fmt.Sprintf("jobs: incomplete schedule definition %+v", def))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.defs[def.Name]; dup {
		panic(fmt.Sprintf("jobs: schedule %q already registered", def.Name))
	}
	s.defs[def.Name] = def
}

// Definitions returns the registered definitions sorted by name.
func (s *Scheduler) Definitions() []Definition {
	s.mu.RLock()
	defs := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (s *Scheduler) definition(name string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	return d, ok
}

// Run checks once immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Tick(ctx); err != nil {
		s.logger.Error("startup schedule check failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("schedule check failed", "error", err)
			}
		}
	}
}

// Tick evaluates every definition once. Failures of one definition do not
// prevent the others from being checked.
func (s *Scheduler) Tick(ctx context.Context) error {
	var errs []error
	for _, def := range s.Definitions() {
		if err := s.check(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) check(ctx context.Context, def Definition) error {
	state, err := s.store.GetScheduleState(ctx, def.Name)
	if err != nil {
		return fmt.Errorf("read schedule state: %w", err)
	}

	d := Evaluate(def.Schedule, state, s.now())
	if !d.Due {
		return nil
	}

	// The claim is not released; it lapses after claimTTL so checks by
	// other workers inside that window also skip.
	lease, err := s.locker.TryAcquire(ctx, lock.SchedulingClaimKey+":"+def.Name, s.claimTTL)
	if err != nil {
		return fmt.Errorf("scheduling claim: %w", err)
	}
	if lease == nil {
		s.logger.Debug("schedule claimed by another worker", "schedule", def.Name)
		return nil
	}

	cycle := CycleID(d.Cycle)
	opts := []queue.Option{queue.DedupTTL(def.DedupTTL)}
	if def.Retries > 0 {
		opts = append(opts, queue.Retries(def.Retries))
	}
	res, err := s.queue.Enqueue(ctx, def.JobType, JobID(def.Name, cycle),
		Trigger{Schedule: def.Name, Cycle: cycle, Reason: d.Reason}, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", def.JobType, err)
	}
	if !res.Accepted() {
		s.logger.Debug("scheduled run already enqueued", "schedule", def.Name, "cycle", cycle)
		return nil
	}

	s.metrics.SchedulerTriggered(def.Name, string(d.Reason))
	logArgs := []any{"schedule", def.Name, "cycle", cycle, "reason", d.Reason, "job_id", res.Job.ID}
	if d.Reason == ReasonMissed {
		s.logger.Warn("missed scheduled run, enqueueing now", logArgs...)
	} else {
		s.logger.Info("scheduled run enqueued", logArgs...)
	}
	return nil
}

// RecordRun persists a successful run of the named definition at the given
// time: last run becomes at and next run is computed from the schedule.
// deferred reports that the run left eligible work for the next cycle.
func (s *Scheduler) RecordRun(ctx context.Context, name string, at time.Time, deferred bool) error {
	def, ok := s.definition(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}

	at = at.UTC()
	next := def.Schedule.Next(at)
	state, err := s.store.SaveScheduleRun(ctx, name, at, next, deferred)
	if err != nil {
		return fmt.Errorf("save schedule state for %s: %w", name, err)
	}

	if deferred && state != nil && state.DeferredRuns >= s.backlogAlert {
		s.logger.Error("dispatch backlog persists across cycles",
			"schedule", name, "consecutive_deferred_runs", state.DeferredRuns)
	}
	s.logger.Debug("schedule run recorded", "schedule", name, "last_run", at, "next_run", next)
	return nil
}
