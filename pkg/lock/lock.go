// Package lock provides a short-lived distributed try-lock on top of the
// shared coordination store.
//
// A lease is acquired with an atomic set-if-absent and released with a
// compare-and-delete on the owner token, so a holder whose lease already
// expired can never release a lease someone else acquired since. There is
// no renewal: protected sections must finish well inside the TTL.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/coordinated-jobs/pkg/coord"
)

// SchedulingClaimKey prefixes the short claim the scheduler takes before
// enqueueing a due recurring job.
const SchedulingClaimKey = "scheduling-claim"

const keyPrefix = "lock:"

// Lease is a time-bounded exclusive claim on a key.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Locker) { lk.logger = l }
}

// WithClock sets the time source used for lease expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(lk *Locker) { lk.now = now }
}

// Locker hands out leases backed by a coord.Store.
type Locker struct {
	store  coord.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Locker.
func New(store coord.Store, opts ...Option) *Locker {
	lk := &Locker{store: store, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(lk)
	}
	if lk.logger == nil {
		lk.logger = slog.Default()
	}
	return lk
}

// TryAcquire attempts to take the lease for key without blocking.
// It returns (nil, nil) when another owner holds a live lease. A store
// failure returns (nil, err): the lock fails closed.
func (lk *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %v", ttl)
	}
	token := uuid.NewString()
	now := lk.now()
	ok, err := lk.store.SetNX(ctx, keyPrefix+key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

// Release gives up the lease. It is safe to call more than once and after
// the lease expired; in both cases it does nothing.
func (lk *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	deleted, err := lk.store.DeleteIfEquals(ctx, keyPrefix+lease.Key, lease.Token)
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", lease.Key, err)
	}
	if !deleted && lk.now().Before(lease.ExpiresAt) {
		lk.logger.Debug("lease already gone before release", "key", lease.Key)
	}
	return nil
}

// With runs fn while holding the lease for key. If the lease is held
// elsewhere fn is not called and acquired is false. The lease is released
// on every exit path, including a panic in fn.
func (lk *Locker) With(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, err := lk.TryAcquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := lk.Release(relCtx, lease); relErr != nil {
			lk.logger.Warn("failed to release lease", "key", key, "error", relErr)
		}
	}()
	return true, fn(ctx)
}
