// Package reconciler keeps a client's cached session view consistent with
// the server: a snapshot fetched over HTTP, then events applied in arrival
// order, persisted locally after every change.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/retry"
	v1 "standup/shared/contracts/realtime/v1"
)

// Observer is called with a copy of the state after every change.
// Observers run outside the reconciler lock and may call back into it.
type Observer func(State)

type Reconciler struct {
	fetch  Fetcher
	store  LocalStore
	policy retry.Policy
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	observers map[int]Observer
	nextObs   int
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New restores any persisted state from store.
func New(ctx context.Context, fetch Fetcher, store LocalStore, opts ...Option) (*Reconciler, error) {
	if fetch == nil {
		return nil, errors.New("reconciler: nil fetcher")
	}
	if store == nil {
		store = &MemoryStore{}
	}
	r := &Reconciler{
		fetch:     fetch,
		store:     store,
		policy:    retry.Default,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	s, ok, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		r.state = s
	}
	return r, nil
}

// State returns a copy of the cached state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Subscribe registers fn and returns a function that removes it.
func (r *Reconciler) Subscribe(fn Observer) (cancel func()) {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

// Mount records who this client is in sessionID and loads the snapshot.
// token is the participant token returned by create or join.
func (r *Reconciler) Mount(ctx context.Context, sessionID, userID, userName, token string) error {
	snap, err := r.load(ctx, sessionID, token)
	if err != nil {
		return err
	}
	r.commit(ctx, func(s *State) bool {
		*s = State{Session: &snap, UserID: userID, UserName: userName, Token: token, SyncedAt: r.now()}
		return true
	})
	return nil
}

// Sync replaces the cached snapshot with the server's. When the session is
// gone (NOT_FOUND or EXPIRED) the local state is reset and the error returned.
func (r *Reconciler) Sync(ctx context.Context) error {
	cur := r.State()
	if !cur.Active() {
		return errNoSession
	}

	snap, err := r.load(ctx, cur.Session.ID, cur.Token)
	switch {
	case fault.Is(err, fault.ErrNotFound), fault.Is(err, fault.ErrExpired):
		r.log.Info("reconciler.session.gone", "session_id", cur.Session.ID, "err", err)
		r.reset(ctx)
		return err
	case err != nil:
		return err
	}

	r.commit(ctx, func(s *State) bool {
		if !s.Active() || s.Session.ID != snap.ID {
			return false
		}
		s.Session = &snap
		s.SyncedAt = r.now()
		return true
	})
	return nil
}

// Apply folds one broadcast event into the cached snapshot. session-ended
// for the mounted session resets the state.
func (r *Reconciler) Apply(ctx context.Context, env v1.Envelope) (bool, error) {
	var applyErr error
	changed := r.commit(ctx, func(s *State) bool {
		if !s.Active() {
			return false
		}
		if env.Type == v1.EventSessionEnded {
			if env.SessionID != s.Session.ID {
				return false
			}
			r.log.Info("reconciler.session.ended", "session_id", env.SessionID)
			*s = State{}
			return true
		}
		ok, err := apply(s.Session, env)
		applyErr = err
		return ok
	})
	if applyErr != nil {
		r.log.Warn("reconciler.apply.fail", "type", env.Type, "err", applyErr)
	}
	return changed, applyErr
}

// Leave forgets the session locally. The server roster is not touched.
func (r *Reconciler) Leave(ctx context.Context) {
	r.reset(ctx)
}

func (r *Reconciler) reset(ctx context.Context) {
	r.commit(ctx, func(s *State) bool {
		if !s.Active() && s.UserID == "" {
			return false
		}
		*s = State{}
		return true
	})
}

func (r *Reconciler) load(ctx context.Context, sessionID, token string) (v1.SessionSnapshot, error) {
	return retry.Do(ctx, r.policy, "reconciler.fetch", func(ctx context.Context) (v1.SessionSnapshot, error) {
		return r.fetch.FetchSession(ctx, sessionID, token)
	})
}

// commit runs mutate and persists the result under the lock, so saves land
// in mutation order, then notifies observers when something changed.
func (r *Reconciler) commit(ctx context.Context, mutate func(*State) bool) bool {
	r.mu.Lock()
	if !mutate(&r.state) {
		r.mu.Unlock()
		return false
	}
	snapshot := r.state.Clone()

	var err error
	if snapshot.Active() || snapshot.UserID != "" {
		err = r.store.Save(ctx, snapshot)
	} else {
		err = r.store.Clear(ctx)
	}
	observers := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("reconciler.persist.fail", "err", err)
	}
	for _, fn := range observers {
		fn(snapshot.Clone())
	}
	return true
}
