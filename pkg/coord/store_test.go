package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh store and a function that moves its TTL clock forward.
type storeFactory func(t *testing.T) (Store, func(time.Duration))

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

func memoryFactory(t *testing.T) (Store, func(time.Duration)) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithClock(clock.Now)), clock.Advance
}

func redisFactory(t *testing.T) (Store, func(time.Duration)) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr.FastForward
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"redis":  redisFactory,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, advance func(time.Duration))) {
	for name, f := range factories {
		t.Run(name, func(t *testing.T) {
			s, advance := f(t)
			fn(t, s, advance)
		})
	}
}

func TestStore_SetNXOnlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()

		ok, err := s.SetNX(ctx, "dedup:a", "u1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "dedup:a", "u2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.Get(ctx, "dedup:a")
		require.NoError(t, err)
		assert.Equal(t, "u1", v)
	})
}

func TestStore_SetNXExpires(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, advance func(time.Duration)) {
		ctx := context.Background()

		ok, err := s.SetNX(ctx, "lock:x", "owner-1", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		advance(11 * time.Second)

		_, err = s.Get(ctx, "lock:x")
		assert.ErrorIs(t, err, ErrNil)

		ok, err = s.SetNX(ctx, "lock:x", "owner-2", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_ConcurrentSetNX(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetNX(ctx, "race", fmt.Sprintf("owner-%d", i), time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestStore_DeleteIfEquals(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		_, err := s.SetNX(ctx, "lock:k", "mine", time.Minute)
		require.NoError(t, err)

		deleted, err := s.DeleteIfEquals(ctx, "lock:k", "theirs")
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = s.DeleteIfEquals(ctx, "lock:k", "mine")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.DeleteIfEquals(ctx, "lock:k", "mine")
		require.NoError(t, err)
		assert.False(t, deleted, "second delete is a no-op")
	})
}

func TestStore_DeleteMissingKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		assert.NoError(t, s.Delete(context.Background(), "never-set"))
	})
}

func TestStore_ListIsFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, s.Push(ctx, "queue:t", v))
		}

		n, err := s.Len(ctx, "queue:t")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		for _, want := range []string{"a", "b", "c"} {
			got, err := s.Pop(ctx, "queue:t")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		_, err = s.Pop(ctx, "queue:t")
		assert.ErrorIs(t, err, ErrNil)
	})
}

func TestStore_TakeDue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.Defer(ctx, "delayed:t", "early", base.Add(time.Second)))
		require.NoError(t, s.Defer(ctx, "delayed:t", "late", base.Add(time.Hour)))

		due, err := s.TakeDue(ctx, "delayed:t", base, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.TakeDue(ctx, "delayed:t", base.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"early"}, due)

		due, err = s.TakeDue(ctx, "delayed:t", base.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, due, "a member is only taken once")

		due, err = s.TakeDue(ctx, "delayed:t", base.Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"late"}, due)
	})
}

func TestStore_TakeDueRespectsLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Defer(ctx, "delayed:t", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
		}

		due, err := s.TakeDue(ctx, "delayed:t", base.Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"m0", "m1"}, due)
	})
}

func TestStore_TakeDueConcurrentCallersSplitMembers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
		const total = 40
		for i := 0; i < total; i++ {
			require.NoError(t, s.Defer(ctx, "delayed:t", fmt.Sprintf("m%d", i), base))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					due, err := s.TakeDue(ctx, "delayed:t", base.Add(time.Second), 3)
					if err != nil || len(due) == 0 {
						return
					}
					mu.Lock()
					for _, m := range due {
						seen[m]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for m, n := range seen {
			assert.Equal(t, 1, n, "member %s taken more than once", m)
		}
	})
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, WithKeyPrefix("osmo:"))
	_, err := s.SetNX(context.Background(), "dedup:a", "u", time.Minute)
	require.NoError(t, err)

	assert.True(t, mr.Exists("osmo:dedup:a"))
	ttl := mr.TTL("osmo:dedup:a")
	assert.Equal(t, time.Minute, ttl)
}

func TestRedisStore_UnreachableReturnsError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	mr.Close()

	_, err := s.SetNX(context.Background(), "k", "v", time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNil)
	assert.Error(t, s.Ping(context.Background()))
}
