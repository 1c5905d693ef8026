package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/coordinated-jobs/pkg/coord"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/queue"
)

var noop = core.ExecutorFunc(func(context.Context, *core.Job) error { return nil })

func newTestQueue(t *testing.T) (*queue.Queue, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	q := queue.New(coord.NewMemoryStore(), queue.WithMetrics(m))
	q.Register("drain.dispatch", noop)
	q.Register("drain.notify", noop)
	return q, m
}

func TestCollector_SampleDepthAndStatus(t *testing.T) {
	q, m := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, "drain.notify", id, nil)
		require.NoError(t, err)
	}

	at := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	c := NewCollector(q,
		WithClock(func() time.Time { return at }),
		WithStatusSource("drain", func(context.Context) (map[string]int64, error) {
			return map[string]int64{"drain_required": 4, "notified": 9}, nil
		}),
	)
	c.Sample(ctx)

	s := c.Snapshot()
	assert.True(t, at.Equal(s.At))
	assert.Equal(t, map[core.JobType]int64{"drain.dispatch": 0, "drain.notify": 3}, s.Depth)
	assert.Equal(t, int64(9), s.Status["drain"]["notified"])

	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("drain.notify")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EntityStatus.WithLabelValues("drain", "drain_required")))
	assert.Equal(t, []string{"drain"}, c.Sources())
}

func TestCollector_FailingSourceKeepsPreviousCounts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	fail := false
	c := NewCollector(q, WithStatusSource("drain", func(context.Context) (map[string]int64, error) {
		if fail {
			return nil, errors.New("database is down")
		}
		return map[string]int64{"sending": 2}, nil
	}))

	c.Sample(ctx)
	fail = true
	c.Sample(ctx)

	assert.Equal(t, int64(2), c.Snapshot().Status["drain"]["sending"])
}

func TestCollector_CountsEvents(t *testing.T) {
	q, _ := newTestQueue(t)
	c := NewCollector(q, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	c.WaitReady()

	job := &core.Job{ID: "n1:20240302T090000Z", Type: "drain.notify"}
	q.Emit(&core.JobCompleted{Job: job})
	q.Emit(&core.JobCompleted{Job: job})
	q.Emit(&core.JobRetrying{Job: job, Attempt: 1})
	q.Emit(&core.JobFailed{Job: job})
	q.Emit(&core.JobDropped{Job: &core.Job{ID: "x", Type: "unknown"}})

	want := Counters{Completed: 2, Failed: 1, Retried: 1}
	assert.Eventually(t, func() bool {
		return c.Snapshot().Counters["drain.notify"] == want
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.Snapshot().Counters["unknown"].Dropped == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	q, _ := newTestQueue(t)
	c := NewCollector(q, WithStatusSource("drain", func(context.Context) (map[string]int64, error) {
		return map[string]int64{"notified": 1}, nil
	}))
	c.Sample(context.Background())

	s := c.Snapshot()
	s.Status["drain"]["notified"] = 100
	s.Depth["drain.notify"] = 100

	again := c.Snapshot()
	assert.Equal(t, int64(1), again.Status["drain"]["notified"])
	assert.Equal(t, int64(0), again.Depth["drain.notify"])
}
