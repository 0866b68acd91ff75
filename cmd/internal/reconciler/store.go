package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LocalStore persists the cached state across restarts.
type LocalStore interface {
	// Load returns false when nothing was saved.
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, s State) error
	Clear(ctx context.Context) error
}

var (
	stateBucket = []byte("reconciler")
	stateKey    = []byte("state")
)

// BoltStore keeps the state in a single bbolt key.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path. Another process holding
// the file makes this fail after one second instead of blocking.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("reconciler: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reconciler: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Load(_ context.Context) (State, bool, error) {
	var (
		s     State
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(stateBucket).Get(stateKey)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &s)
	})
	if err != nil {
		return State{}, false, fmt.Errorf("reconciler: load: %w", err)
	}
	return s, found, nil
}

func (b *BoltStore) Save(_ context.Context, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, raw)
	})
}

func (b *BoltStore) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete(stateKey)
	})
}

// Close releases the file lock.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// MemoryStore is a LocalStore for tests and ephemeral clients.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

func (m *MemoryStore) Load(context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, false, nil
	}
	return m.state.Clone(), true, nil
}

func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	m.state = &c
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return nil
}

var errNoSession = errors.New("reconciler: no session mounted")
