package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/coordinated-jobs/pkg/coord"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLocker(t *testing.T) (*Locker, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	store := coord.NewMemoryStore(coord.WithClock(clock.Now))
	return New(store, WithClock(clock.Now)), clock
}

// unreachableStore fails every call, like a store behind a dropped connection.
type unreachableStore struct{ coord.Store }

var errUnreachable = errors.New("dial tcp: connection refused")

func (unreachableStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errUnreachable
}

func (unreachableStore) DeleteIfEquals(context.Context, string, string) (bool, error) {
	return false, errUnreachable
}

func TestTryAcquire_MutualExclusion(t *testing.T) {
	lk, _ := newTestLocker(t)
	ctx := context.Background()

	var held atomic.Int32
	var wg sync.WaitGroup
	leases := make(chan *Lease, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := lk.TryAcquire(ctx, "drain-dispatch", time.Minute)
			if err == nil && lease != nil {
				held.Add(1)
				leases <- lease
			}
		}()
	}
	wg.Wait()
	close(leases)

	assert.Equal(t, int32(1), held.Load(), "exactly one caller holds the lease")
}

func TestTryAcquire_AfterRelease(t *testing.T) {
	lk, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "held lease blocks a second acquire")

	require.NoError(t, lk.Release(ctx, first))

	third, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, third)
	assert.NotEqual(t, first.Token, third.Token)
}

func TestTryAcquire_AfterExpiry(t *testing.T) {
	lk, clock := newTestLocker(t)
	ctx := context.Background()

	first, err := lk.TryAcquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, clock.Now().Add(10*time.Second), first.ExpiresAt)

	clock.Advance(11 * time.Second)

	second, err := lk.TryAcquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestRelease_DoesNotDropForeignLease(t *testing.T) {
	lk, clock := newTestLocker(t)
	ctx := context.Background()

	stale, err := lk.TryAcquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)

	clock.Advance(11 * time.Second)
	current, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, current)

	// The expired owner wakes up and releases: must be a no-op.
	require.NoError(t, lk.Release(ctx, stale))

	again, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "current owner's lease is still live")
}

func TestRelease_Idempotent(t *testing.T) {
	lk, _ := newTestLocker(t)
	ctx := context.Background()

	lease, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.NoError(t, lk.Release(ctx, lease))
	assert.NoError(t, lk.Release(ctx, lease))
	assert.NoError(t, lk.Release(ctx, nil))
}

func TestTryAcquire_FailsClosed(t *testing.T) {
	lk := New(unreachableStore{})

	lease, err := lk.TryAcquire(context.Background(), "k", time.Minute)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, errUnreachable)
}

func TestTryAcquire_RejectsNonPositiveTTL(t *testing.T) {
	lk, _ := newTestLocker(t)
	lease, err := lk.TryAcquire(context.Background(), "k", 0)
	assert.Nil(t, lease)
	assert.Error(t, err)
}

func TestWith_RunsAndReleases(t *testing.T) {
	lk, _ := newTestLocker(t)
	ctx := context.Background()

	var ran bool
	acquired, err := lk.With(ctx, "k", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)

	lease, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease, "With released the key")
}

func TestWith_SkipsWhenHeld(t *testing.T) {
	lk, _ := newTestLocker(t)
	ctx := context.Background()

	_, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	acquired, err := lk.With(ctx, "k", time.Minute, func(ctx context.Context) error {
		t.Fatal("must not run while another owner holds the lease")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestWith_ReleasesOnErrorAndPanic(t *testing.T) {
	lk, _ := newTestLocker(t)
	ctx := context.Background()

	acquired, err := lk.With(ctx, "k", time.Minute, func(ctx context.Context) error {
		return errors.New("enumeration failed")
	})
	assert.True(t, acquired)
	assert.EqualError(t, err, "enumeration failed")

	assert.Panics(t, func() {
		_, _ = lk.With(ctx, "k", time.Minute, func(ctx context.Context) error {
			panic("boom")
		})
	})

	lease, err := lk.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease, "lease released after error and panic")
}

func TestWith_FailsClosed(t *testing.T) {
	lk := New(unreachableStore{})
	acquired, err := lk.With(context.Background(), "k", time.Minute, func(ctx context.Context) error {
		t.Fatal("must not run without a lease")
		return nil
	})
	assert.False(t, acquired)
	assert.ErrorIs(t, err, errUnreachable)
}
