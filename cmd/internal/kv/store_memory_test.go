package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithClock(clk.Now)), clk
}

func TestMemoryStore_CreateIsPutIfAbsent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()

	e, err := s.Create(ctx, "k", []byte("a"), time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}
	if _, err := s.Create(ctx, "k", []byte("b"), time.Minute); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != "a" {
		t.Fatalf("expected original value, got %q", got.Value)
	}
}

func TestMemoryStore_ExpiredIsAbsent(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, "k", []byte("a"), time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(time.Minute)

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
	if _, err := s.Swap(ctx, "k", []byte("b"), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on swap after ttl, got %v", err)
	}
	if _, err := s.Create(ctx, "k", []byte("c"), time.Minute); err != nil {
		t.Fatalf("create over expired key: %v", err)
	}
}

func TestMemoryStore_SwapKeepsExpiryAndChecksVersion(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore()
	ctx := context.Background()

	created, err := s.Create(ctx, "k", []byte("a"), time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(10 * time.Minute)

	swapped, err := s.Swap(ctx, "k", []byte("b"), created.Version)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !swapped.ExpiresAt.Equal(created.ExpiresAt) {
		t.Fatalf("swap changed expiry: %v -> %v", created.ExpiresAt, swapped.ExpiresAt)
	}
	if swapped.Version != created.Version+1 {
		t.Fatalf("expected version bump, got %d", swapped.Version)
	}
	if _, err := s.Swap(ctx, "k", []byte("c"), created.Version); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestMemoryStore_PutDeleteSweep(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore()
	ctx := context.Background()

	if _, err := s.Put(ctx, "a", []byte("1"), time.Minute); err != nil {
		t.Fatalf("put a: %v", err)
	}
	e, err := s.Put(ctx, "a", []byte("2"), time.Minute)
	if err != nil {
		t.Fatalf("put a again: %v", err)
	}
	if e.Version != 2 || string(e.Value) != "2" {
		t.Fatalf("unexpected entry after second put: %+v", e)
	}
	if _, err := s.Put(ctx, "b", []byte("1"), time.Hour); err != nil {
		t.Fatalf("put b: %v", err)
	}

	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}

	clk.Advance(2 * time.Minute)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, err := s.Get(ctx, "b"); err != nil {
		t.Fatalf("b should survive sweep: %v", err)
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("second delete b: %v", err)
	}
}

func TestMemoryStore_InvalidInput(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, "", nil, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty key, got %v", err)
	}
	if _, err := s.Put(ctx, "k", nil, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero ttl, got %v", err)
	}
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()

	buf := []byte("abc")
	if _, err := s.Create(ctx, "k", buf, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	buf[0] = 'z'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != "abc" {
		t.Fatalf("store aliased caller buffer: %q", got.Value)
	}
}

func TestMemoryStore_ConcurrentSwapsSerialize(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, "k", []byte("0"), time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Swap(ctx, "k", []byte("x"), 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning swap, got %d", wins)
	}
}
