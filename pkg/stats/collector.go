// Package stats keeps a rolling view of queue activity for operators.
//
// A Collector listens to queue events, and on every tick records the ready
// depth of each registered job type plus the per-status counts of any
// registered entity sources. Each snapshot goes to the Prometheus gauges and is
// also kept in memory for the HTTP stats endpoint.
package stats

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
)

// DefaultInterval is how often depth and status are sampled.
const DefaultInterval = time.Minute

// StatusFunc counts domain entities by status.
type StatusFunc func(ctx context.Context) (map[string]int64, error)

// Counters are outcomes observed since the collector started.
type Counters struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
}

// Snapshot is a point-in-time copy of everything the collector knows.
type Snapshot struct {
	At       time.Time                   `json:"at"`
	Counters map[core.JobType]Counters   `json:"counters"`
	Depth    map[core.JobType]int64      `json:"depth"`
	Status   map[string]map[string]int64 `json:"status"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithInterval sets the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithStatusSource samples fn under name on every tick.
func WithStatusSource(name string, fn StatusFunc) Option {
	return func(c *Collector) { c.sources[name] = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithMetrics overrides the metrics taken from the queue.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// Collector subscribes to queue events and periodically samples depth.
type Collector struct {
	queue    *queue.Queue
	interval time.Duration
	sources  map[string]StatusFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	counters map[core.JobType]*Counters
	depth    map[core.JobType]int64
	status   map[string]map[string]int64
	at       time.Time

	ready     chan struct{}
	readyOnce sync.Once
}

// NewCollector creates a Collector for q.
func NewCollector(q *queue.Queue, opts ...Option) *Collector {
	c := &Collector{
		queue:    q,
		interval: DefaultInterval,
		sources:  make(map[string]StatusFunc),
		logger:   slog.Default(),
		metrics:  q.Metrics(),
		now:      time.Now,
		counters: make(map[core.JobType]*Counters),
		depth:    make(map[core.JobType]int64),
		status:   make(map[string]map[string]int64),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

var _ core.Starter = (*Collector)(nil)

// Start samples once, then listens for events and samples on every tick.
// Blocks until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	events := c.queue.Events()
	defer c.queue.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	c.Sample(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			c.handleEvent(e)
		case <-ticker.C:
			c.Sample(ctx)
		}
	}
}

func (c *Collector) handleEvent(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case *core.JobCompleted:
		c.countersFor(ev.Job.Type).Completed++
	case *core.JobFailed:
		c.countersFor(ev.Job.Type).Failed++
	case *core.JobRetrying:
		c.countersFor(ev.Job.Type).Retried++
	case *core.JobDropped:
		c.countersFor(ev.Job.Type).Dropped++
	}
}

func (c *Collector) countersFor(jobType core.JobType) *Counters {
	ct, ok := c.counters[jobType]
	if !ok {
		ct = &Counters{}
		c.counters[jobType] = ct
	}
	return ct
}

// Sample reads queue depth and entity status counts now. A failing source
// keeps its previous values.
func (c *Collector) Sample(ctx context.Context) {
	depth := make(map[core.JobType]int64)
	for _, jobType := range c.queue.Types() {
		n, err := c.queue.Depth(ctx, jobType)
		if err != nil {
			c.logger.Warn("failed to read queue depth", "type", jobType, "error", err)
			continue
		}
		depth[jobType] = n
		c.metrics.SetQueueDepth(jobType.String(), n)
	}

	status := make(map[string]map[string]int64, len(c.sources))
	for name, fn := range c.sources {
		counts, err := fn(ctx)
		if err != nil {
			c.logger.Warn("failed to count entities", "source", name, "error", err)
			continue
		}
		status[name] = counts
		for st, n := range counts {
			c.metrics.SetEntityStatus(name, st, n)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.depth, depth)
	maps.Copy(c.status, status)
	c.at = c.now().UTC()
}

// Snapshot returns a copy of the current view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		At:       c.at,
		Counters: make(map[core.JobType]Counters, len(c.counters)),
		Depth:    maps.Clone(c.depth),
		Status:   make(map[string]map[string]int64, len(c.status)),
	}
	for jobType, ct := range c.counters {
		s.Counters[jobType] = *ct
	}
	for name, counts := range c.status {
		s.Status[name] = maps.Clone(counts)
	}
	return s
}

// Sources returns the registered status source names in order.
func (c *Collector) Sources() []string {
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
