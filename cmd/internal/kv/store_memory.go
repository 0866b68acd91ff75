package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
// Expiry is evaluated lazily on access; Sweep reclaims memory.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the wall clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// live returns the entry for key if present and unexpired. Caller holds mu.
func (s *MemoryStore) live(key string, now time.Time) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(s.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Get returns the live entry for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key, s.now())
	if !ok {
		return Entry{}, ErrNotFound
	}
	return clone(e), nil
}

// Create stores value under key only if no live entry exists.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	if err := validKeyTTL(key, ttl); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, ok := s.live(key, now); ok {
		return Entry{}, ErrExists
	}
	e := Entry{Key: key, Value: append([]byte(nil), value...), Version: 1, ExpiresAt: now.Add(ttl)}
	s.entries[key] = e
	return clone(e), nil
}

// Put stores value under key unconditionally (last write wins) with a fresh TTL.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	if err := validKeyTTL(key, ttl); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	version := int64(1)
	if prev, ok := s.live(key, now); ok {
		version = prev.Version + 1
	}
	e := Entry{Key: key, Value: append([]byte(nil), value...), Version: version, ExpiresAt: now.Add(ttl)}
	s.entries[key] = e
	return clone(e), nil
}

// Swap replaces the value if the live entry still carries version.
func (s *MemoryStore) Swap(ctx context.Context, key string, value []byte, version int64) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.live(key, s.now())
	if !ok {
		return Entry{}, ErrNotFound
	}
	if prev.Version != version {
		return Entry{}, ErrVersionMismatch
	}
	e := Entry{Key: key, Value: append([]byte(nil), value...), Version: version + 1, ExpiresAt: prev.ExpiresAt}
	s.entries[key] = e
	return clone(e), nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func clone(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}
