package drain

import (
	"log/slog"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/backoff"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/dispatch"
	"github.com/jdziat/coordinated-jobs/pkg/lock"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
	"github.com/jdziat/coordinated-jobs/pkg/schedule"
)

// Job types and schedule name registered by Setup.
const (
	DispatchJobType core.JobType = "drain.dispatch"
	NotifyJobType   core.JobType = "drain.notify"
	ScheduleName                 = "drain-notify"
)

// DefaultStaleTimeout is how long a notice may stay in sending before the
// dispatcher resets it.
var DefaultStaleTimeout = 2 * time.Hour

// Config configures the feature. Zero values take the package defaults.
type Config struct {
	Schedule     schedule.Schedule
	StaleTimeout time.Duration
	// Dispatch is used as-is except for Name and ChildType, which Setup sets.
	Dispatch dispatch.Config
	Delivery backoff.Policy
}

// Option configures the feature's components.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Feature holds the wired components.
type Feature struct {
	Store      *GormStore
	Dispatcher *dispatch.Dispatcher[*Notice]
	Notifier   *Notifier
}

// Setup wires the feature: it registers the dispatch and notify executors on
// q and the recurring definition on s. It panics if a job type or the
// schedule is already registered.
func Setup(q *queue.Queue, lk *lock.Locker, s *schedule.Scheduler, store *GormStore, sender Sender, cfg Config, opts ...Option) *Feature {
	o := newOptions(opts)
	if o.metrics == nil {
		o.metrics = q.Metrics()
	}
	opts = append(opts, WithMetrics(o.metrics))

	if cfg.Schedule == nil {
		cfg.Schedule = schedule.Cron("0 * * * *")
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery = backoff.Delivery(3, time.Second, 30*time.Second)
	}

	dcfg := cfg.Dispatch
	dcfg.Name = ScheduleName
	dcfg.ChildType = NotifyJobType

	d := dispatch.New[*Notice](dcfg, NewSource(store, cfg.StaleTimeout), q, lk,
		dispatch.WithLogger(o.logger),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithRecorder(s),
		dispatch.WithClock(o.now))
	n := NewNotifier(store, sender, cfg.Delivery, opts...)

	q.Register(DispatchJobType, d)
	q.Register(NotifyJobType, n)
	s.Register(schedule.Definition{
		Name:     ScheduleName,
		Schedule: cfg.Schedule,
		JobType:  DispatchJobType,
		DedupTTL: dcfg.DedupTTL,
	})

	return &Feature{Store: store, Dispatcher: d, Notifier: n}
}
