package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/kv"
	"standup/cmd/internal/retry"
)

// MaxSwapAttempts bounds the optimistic-concurrency loop before CONFLICT surfaces.
const MaxSwapAttempts = 5

const keyPrefix = "session:"

// Key returns the store key for a session id.
func Key(id string) string { return keyPrefix + id }

// Repository persists sessions in a kv.Store. Each mutation is one
// read-modify-write on one key, made conditional on the version that was read.
type Repository struct {
	store  kv.Store
	policy retry.Policy
	now    func() time.Time
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithRetryPolicy overrides the upstream retry schedule.
func WithRetryPolicy(p retry.Policy) RepositoryOption {
	return func(r *Repository) { r.policy = p }
}

// WithRepositoryClock overrides the wall clock used for TTL computation.
func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository wraps store.
func NewRepository(store kv.Store, opts ...RepositoryOption) (*Repository, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	r := &Repository{
		store:  store,
		policy: retry.Default,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Create writes a new session with a TTL ending exactly at ExpiresAt.
// The key must not exist; a live record under the same id is a CONFLICT.
func (r *Repository) Create(ctx context.Context, s *Session) error {
	const op = "session.create"

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fault.New(op, fault.ErrExpired, "session already expired")
	}

	return retry.Run(ctx, r.policy, op, func(ctx context.Context) error {
		_, err := r.store.Create(ctx, Key(s.ID), raw, ttl)
		if errors.Is(err, kv.ErrExists) {
			return fault.Wrap(op, fault.ErrConflict, err)
		}
		return err
	})
}

// Load reads the session and the version its next write must match.
func (r *Repository) Load(ctx context.Context, id string) (*Session, int64, error) {
	const op = "session.load"

	entry, err := retry.Do(ctx, r.policy, op, func(ctx context.Context) (kv.Entry, error) {
		e, err := r.store.Get(ctx, Key(id))
		if errors.Is(err, kv.ErrNotFound) {
			return kv.Entry{}, fault.New(op, fault.ErrNotFound, "session not found")
		}
		return e, err
	})
	if err != nil {
		return nil, 0, err
	}

	var s Session
	if err := json.Unmarshal(entry.Value, &s); err != nil {
		return nil, 0, fmt.Errorf("%s: decode %s: %w", op, id, err)
	}
	return &s, entry.Version, nil
}

// Mutation edits a loaded session in place and reports whether it changed.
// It may run more than once when writers race, so it must be free of side effects.
type Mutation func(s *Session) (changed bool, err error)

// Mutate applies fn under optimistic concurrency. Sessions past their expiry
// are rejected with EXPIRED before fn runs. When fn reports no change the
// record is returned without a write.
func (r *Repository) Mutate(ctx context.Context, id string, fn Mutation) (*Session, error) {
	const op = "session.mutate"

	for attempt := 0; attempt < MaxSwapAttempts; attempt++ {
		s, version, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Expired(r.now()) {
			return nil, fault.New(op, fault.ErrExpired, "session expired")
		}

		changed, err := fn(s)
		if err != nil {
			return nil, err
		}
		if !changed {
			return s, nil
		}

		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("%s: encode: %w", op, err)
		}
		err = retry.Run(ctx, r.policy, op, func(ctx context.Context) error {
			_, err := r.store.Swap(ctx, Key(id), raw, version)
			switch {
			case errors.Is(err, kv.ErrVersionMismatch):
				return fault.Wrap(op, fault.ErrConflict, err)
			case errors.Is(err, kv.ErrNotFound):
				return fault.New(op, fault.ErrNotFound, "session not found")
			}
			return err
		})
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, fault.ErrConflict) {
			return nil, err
		}
	}
	return nil, fault.Newf(op, fault.ErrConflict, "gave up after %d concurrent updates", MaxSwapAttempts)
}

// Delete removes the session key.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return retry.Run(ctx, r.policy, "session.delete", func(ctx context.Context) error {
		return r.store.Delete(ctx, Key(id))
	})
}
