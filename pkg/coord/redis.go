package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by RedisStore.
const DefaultKeyPrefix = "jobs:"

// deleteIfEquals releases a key only while it still holds the caller's value.
var deleteIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// takeDue removes and returns up to ARGV[2] members scored at or below ARGV[1].
var takeDue = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #due > 0 then
	redis.call("ZREM", KEYS[1], unpack(due))
end
return due
`)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// RedisStore implements Store on Redis. Lists back queues, sorted sets back
// delayed entries scored by due time in milliseconds.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. The caller owns the client lifecycle.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.Cmdable { return s.client }

func (s *RedisStore) key(k string) string { return s.prefix + k }

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coord/redis: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("coord/redis: get %s: %w", key, err)
	}
	return v, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("coord/redis: del %s: %w", key, err)
	}
	return nil
}

// DeleteIfEquals implements Store with a compare-and-delete script.
func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEquals.Run(ctx, s.client, []string{s.key(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("coord/redis: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Push implements Store.
func (s *RedisStore) Push(ctx context.Context, list, value string) error {
	if err := s.client.LPush(ctx, s.key(list), value).Err(); err != nil {
		return fmt.Errorf("coord/redis: lpush %s: %w", list, err)
	}
	return nil
}

// Pop implements Store. LPUSH + RPOP gives FIFO order.
func (s *RedisStore) Pop(ctx context.Context, list string) (string, error) {
	v, err := s.client.RPop(ctx, s.key(list)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("coord/redis: rpop %s: %w", list, err)
	}
	return v, nil
}

// Len implements Store.
func (s *RedisStore) Len(ctx context.Context, list string) (int64, error) {
	n, err := s.client.LLen(ctx, s.key(list)).Result()
	if err != nil {
		return 0, fmt.Errorf("coord/redis: llen %s: %w", list, err)
	}
	return n, nil
}

// Defer implements Store.
func (s *RedisStore) Defer(ctx context.Context, set, member string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.key(set), redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
	if err != nil {
		return fmt.Errorf("coord/redis: zadd %s: %w", set, err)
	}
	return nil
}

// TakeDue implements Store. The range and the removal run as one script so
// concurrent callers never both receive a member and a failure never leaves
// members removed but unreturned.
func (s *RedisStore) TakeDue(ctx context.Context, set string, now time.Time, limit int) ([]string, error) {
	members, err := takeDue.Run(ctx, s.client, []string{s.key(set)},
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("coord/redis: take due %s: %w", set, err)
	}
	return members, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
