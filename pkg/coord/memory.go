package coord

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memDelayed struct {
	member string
	at     time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// MemoryStore implements Store in process memory. It is safe for concurrent
// use and shares state only between goroutines of one process.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	keys    map[string]memEntry
	lists   map[string][]string
	delayed map[string][]memDelayed
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:     time.Now,
		keys:    make(map[string]memEntry),
		lists:   make(map[string][]string),
		delayed: make(map[string][]memDelayed),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// live returns the entry for key, evicting it if expired. Caller holds mu.
func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.keys[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.keys, key)
		return memEntry{}, false
	}
	return e, true
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.keys[key] = e
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", ErrNil
	}
	return e.value, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	return nil
}

// DeleteIfEquals implements Store.
func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.keys, key)
	return true, nil
}

// Push implements Store.
func (s *MemoryStore) Push(_ context.Context, list, value string) error {
	s.mu.Lock()
	s.lists[list] = append(s.lists[list], value)
	s.mu.Unlock()
	return nil
}

// Pop implements Store.
func (s *MemoryStore) Pop(_ context.Context, list string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[list]
	if len(l) == 0 {
		return "", ErrNil
	}
	v := l[0]
	s.lists[list] = l[1:]
	return v, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context, list string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[list])), nil
}

// Defer implements Store.
func (s *MemoryStore) Defer(_ context.Context, set, member string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.delayed[set]
	for i := range entries {
		if entries[i].member == member {
			entries[i].at = at
			return nil
		}
	}
	s.delayed[set] = append(entries, memDelayed{member: member, at: at})
	return nil
}

// TakeDue implements Store.
func (s *MemoryStore) TakeDue(_ context.Context, set string, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.delayed[set]
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	var taken []string
	kept := entries[:0]
	for _, e := range entries {
		if !e.at.After(now) && (limit <= 0 || len(taken) < limit) {
			taken = append(taken, e.member)
			continue
		}
		kept = append(kept, e)
	}
	s.delayed[set] = kept
	return taken, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }
