package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/coordinated-jobs/pkg/coord"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/lock"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
	"github.com/jdziat/coordinated-jobs/pkg/schedule"
)

const childType core.JobType = "drain.notify"

type node struct{ id string }

func (n node) EntityID() string { return n.id }

type memSource struct {
	mu          sync.Mutex
	eligible    []node
	reclaim     int64
	reclaimErr  error
	eligibleErr error
	calls       int

	// claimOnRead drops every returned entity from the eligible set, as
	// children racing the dispatcher would.
	claimOnRead bool
}

func newSource(n int) *memSource {
	s := &memSource{}
	for i := 0; i < n; i++ {
		s.eligible = append(s.eligible, node{id: fmt.Sprintf("node-%03d", i)})
	}
	return s
}

func (s *memSource) Reclaim(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaim, s.reclaimErr
}

func (s *memSource) Eligible(ctx context.Context, after string, limit int) ([]node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.eligibleErr != nil {
		return nil, s.eligibleErr
	}
	var page, rest []node
	for _, n := range s.eligible {
		if n.id > after && len(page) < limit {
			page = append(page, n)
			continue
		}
		rest = append(rest, n)
	}
	if s.claimOnRead {
		s.eligible = rest
	}
	return page, nil
}

type recorder struct {
	mu   sync.Mutex
	runs []bool
	err  error
}

func (r *recorder) RecordRun(ctx context.Context, name string, at time.Time, deferred bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.runs = append(r.runs, deferred)
	return nil
}

type fixture struct {
	store  *coord.MemoryStore
	queue  *queue.Queue
	locker *lock.Locker
	reg    *prometheus.Registry
}

func newFixture() *fixture {
	reg := prometheus.NewRegistry()
	cs := coord.NewMemoryStore()
	return &fixture{
		store:  cs,
		queue:  queue.New(cs, queue.WithMetrics(metrics.New(reg))),
		locker: lock.New(cs),
		reg:    reg,
	}
}

func (f *fixture) dispatcher(src Source[node], cfg Config, opts ...Option) *Dispatcher[node] {
	if cfg.Name == "" {
		cfg.Name = "drain-notify"
	}
	if cfg.ChildType == "" {
		cfg.ChildType = childType
	}
	return New[node](cfg, src, f.queue, f.locker, opts...)
}

func (f *fixture) depth(t *testing.T) int64 {
	t.Helper()
	n, err := f.queue.Depth(context.Background(), childType)
	require.NoError(t, err)
	return n
}

const cycle = "20240302T090000Z"

func TestChildJobID(t *testing.T) {
	assert.Equal(t, "drain.notify:node-7:20240302T090000Z", ChildJobID(childType, "node-7", cycle))
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(newSource(0), Config{BatchSize: 50000})

	cfg := d.Config()
	assert.Equal(t, "dispatch:drain-notify", cfg.LockKey)
	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, DefaultMaxPerRun, cfg.MaxPerRun)
	assert.Equal(t, DefaultMaxPerRun, cfg.BatchSize, "batch clamped to the per-run cap")

	assert.Panics(t, func() { New[node](Config{Name: "x"}, newSource(0), f.queue, f.locker) })
}

func TestRun_EnqueuesOneChildPerEntity(t *testing.T) {
	f := newFixture()
	src := newSource(5)
	d := f.dispatcher(src, Config{BatchSize: 2})
	ctx := context.Background()

	report, err := d.Run(ctx, cycle)
	require.NoError(t, err)
	assert.True(t, report.Acquired)
	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 5, report.Enqueued)
	assert.Zero(t, report.Duplicates)
	assert.False(t, report.Deferred)
	assert.Equal(t, int64(5), f.depth(t))

	job, err := f.queue.Dequeue(ctx, childType)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ChildJobID(childType, "node-000", cycle), job.ID)

	var p ChildPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, ChildPayload{EntityID: "node-000", Cycle: cycle}, p)

	held, err := f.store.Get(ctx, "lock:dispatch:drain-notify")
	assert.ErrorIs(t, err, coord.ErrNil, "lock released, got %q", held)
}

func TestRun_SameCycleIsDeduplicated(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(newSource(3), Config{})
	ctx := context.Background()

	_, err := d.Run(ctx, cycle)
	require.NoError(t, err)

	report, err := d.Run(ctx, cycle)
	require.NoError(t, err)
	assert.Zero(t, report.Enqueued)
	assert.Equal(t, 3, report.Duplicates)
	assert.Equal(t, int64(3), f.depth(t))

	assert.Equal(t, 3.0, testutil.ToFloat64(
		f.queue.Metrics().DispatchChildren.WithLabelValues("drain-notify", metrics.ResultDuplicate)))
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	f := newFixture()
	src := newSource(3)
	d := f.dispatcher(src, Config{})
	ctx := context.Background()

	lease, err := f.locker.TryAcquire(ctx, "dispatch:drain-notify", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	report, err := d.Run(ctx, cycle)
	require.NoError(t, err)
	assert.False(t, report.Acquired)
	assert.Zero(t, src.calls, "no enumeration without the lock")
	assert.Equal(t, int64(0), f.depth(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.queue.Metrics().DispatchRuns.WithLabelValues("drain-notify", metrics.RunSkipped)))
}

func TestRun_CapDefersRemainder(t *testing.T) {
	f := newFixture()
	var logs bytes.Buffer
	d := f.dispatcher(newSource(7), Config{BatchSize: 2, MaxPerRun: 5},
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	report, err := d.Run(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 5, report.Enqueued)
	assert.True(t, report.Deferred)
	assert.Contains(t, logs.String(), "per-run cap reached")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.queue.Metrics().DispatchDeferred.WithLabelValues("drain-notify")))
}

func TestRun_ChildrenClaimingDuringEnumeration(t *testing.T) {
	f := newFixture()
	src := newSource(6)
	src.claimOnRead = true
	d := f.dispatcher(src, Config{BatchSize: 2, MaxPerRun: 10})

	report, err := d.Run(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Scanned)
	assert.Equal(t, 6, report.Enqueued)
	assert.False(t, report.Deferred)
	assert.Empty(t, src.eligible)
}

func TestRun_ChildrenClaimingStillReportsDeferral(t *testing.T) {
	f := newFixture()
	src := newSource(7)
	src.claimOnRead = true
	d := f.dispatcher(src, Config{BatchSize: 2, MaxPerRun: 5})

	report, err := d.Run(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Enqueued)
	assert.True(t, report.Deferred)
}

func TestRun_CapExactlyMetIsNotDeferred(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(newSource(4), Config{BatchSize: 2, MaxPerRun: 4})

	report, err := d.Run(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Enqueued)
	assert.False(t, report.Deferred)
}

func TestRun_ReclaimFailureStillDispatches(t *testing.T) {
	f := newFixture()
	src := newSource(2)
	src.reclaimErr = errors.New("connection reset")
	d := f.dispatcher(src, Config{})

	report, err := d.Run(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Enqueued)
}

func TestRun_ReportsReclaimed(t *testing.T) {
	f := newFixture()
	src := newSource(1)
	src.reclaim = 4
	d := f.dispatcher(src, Config{})

	report, err := d.Run(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Reclaimed)
	assert.Equal(t, 4.0, testutil.ToFloat64(
		f.queue.Metrics().EntitiesReclaimed.WithLabelValues("drain-notify")))
}

func TestRun_EnumerationErrorReleasesLock(t *testing.T) {
	f := newFixture()
	src := newSource(2)
	src.eligibleErr = errors.New("relation does not exist")
	d := f.dispatcher(src, Config{})
	ctx := context.Background()

	_, err := d.Run(ctx, cycle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation does not exist")

	lease, err := f.locker.TryAcquire(ctx, "dispatch:drain-notify", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease, "lock released after failure")
}

func triggerJob(t *testing.T, trig schedule.Trigger) *core.Job {
	t.Helper()
	f := newFixture()
	res, err := f.queue.Enqueue(context.Background(), "drain.dispatch", "drain-notify:"+trig.Cycle, trig)
	require.NoError(t, err)
	return res.Job
}

func TestExecute_RecordsRun(t *testing.T) {
	f := newFixture()
	rec := &recorder{}
	d := f.dispatcher(newSource(7), Config{BatchSize: 2, MaxPerRun: 5}, WithRecorder(rec))

	job := triggerJob(t, schedule.Trigger{Schedule: "drain-notify", Cycle: cycle, Reason: schedule.ReasonFirstRun})
	require.NoError(t, d.Execute(context.Background(), job))
	assert.Equal(t, []bool{true}, rec.runs)
}

func TestExecute_LockHeldDoesNotRecord(t *testing.T) {
	f := newFixture()
	rec := &recorder{}
	d := f.dispatcher(newSource(1), Config{}, WithRecorder(rec))
	ctx := context.Background()

	_, err := f.locker.TryAcquire(ctx, "dispatch:drain-notify", time.Minute)
	require.NoError(t, err)

	job := triggerJob(t, schedule.Trigger{Schedule: "drain-notify", Cycle: cycle})
	require.NoError(t, d.Execute(ctx, job))
	assert.Empty(t, rec.runs)
}

func TestExecute_MissingCycleIsNotRetried(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(newSource(1), Config{})

	job := triggerJob(t, schedule.Trigger{Schedule: "drain-notify"})
	err := d.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, core.IsNoRetry(err))
	assert.ErrorIs(t, err, core.ErrMalformedPayload)
}

func TestExecute_RecordFailureIsRetryable(t *testing.T) {
	f := newFixture()
	rec := &recorder{err: errors.New("database is locked")}
	d := f.dispatcher(newSource(1), Config{}, WithRecorder(rec))

	job := triggerJob(t, schedule.Trigger{Schedule: "drain-notify", Cycle: cycle})
	err := d.Execute(context.Background(), job)
	require.Error(t, err)
	assert.False(t, core.IsNoRetry(err))
}
