package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key is missing or a list is empty.
var ErrNil = errors.New("coord: nil")

// Store is the contract of the shared coordination store.
type Store interface {
	// SetNX sets key to value only if key does not exist. A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value of key, or ErrNil.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteIfEquals removes key only while it still holds value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)

	// Push appends value to the tail of list.
	Push(ctx context.Context, list, value string) error
	// Pop removes and returns the head of list, or ErrNil when empty.
	Pop(ctx context.Context, list string) (string, error)
	// Len returns the number of entries in list.
	Len(ctx context.Context, list string) (int64, error)

	// Defer adds member to the delayed set, due at the given time.
	Defer(ctx context.Context, set, member string, at time.Time) error
	// TakeDue removes and returns up to limit members due at or before now.
	// A member is returned to exactly one caller.
	TakeDue(ctx context.Context, set string, now time.Time, limit int) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
