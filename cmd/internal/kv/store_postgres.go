package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by a single PostgreSQL table.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Expiry model:
// - Rows carry expires_at; every read filters on it, so an expired row is
//   invisible even before Sweep deletes it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "standup").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("kv: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("kv: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the clock used to compute expires_at.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now == nil {
			return errors.New("kv: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "standup",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("kv: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	table := s.table()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
  key        text PRIMARY KEY,
  value      bytea NOT NULL,
  version    bigint NOT NULL,
  expires_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %s ON %s (expires_at);
`, pgx.Identifier{s.schema}.Sanitize(), table, pgx.Identifier{"kv_entries_expires_at_idx"}.Sanitize(), table)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("kv: migrate: %w", err)
	}
	return nil
}

// Get returns the live entry for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidInput
	}
	row := s.pool.QueryRow(ctx,
		`SELECT key, value, version, expires_at FROM `+s.table()+`
		 WHERE key = $1 AND expires_at > $2`,
		key, s.now(),
	)
	return scanEntry(row)
}

// Create inserts the key unless a live row holds it. An expired row is replaced.
func (s *PostgresStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	if err := validKeyTTL(key, ttl); err != nil {
		return Entry{}, err
	}
	now := s.now()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` AS t (key, value, version, expires_at)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value, version = 1, expires_at = EXCLUDED.expires_at
		   WHERE t.expires_at <= $4
		 RETURNING key, value, version, expires_at`,
		key, value, now.Add(ttl), now,
	)
	e, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, ErrExists
	}
	return e, err
}

// Put upserts the key with a fresh TTL (last write wins).
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	if err := validKeyTTL(key, ttl); err != nil {
		return Entry{}, err
	}
	now := s.now()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` AS t (key, value, version, expires_at)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value,
		       version = CASE WHEN t.expires_at > $4 THEN t.version + 1 ELSE 1 END,
		       expires_at = EXCLUDED.expires_at
		 RETURNING key, value, version, expires_at`,
		key, value, now.Add(ttl), now,
	)
	return scanEntry(row)
}

// Swap replaces the value when the live row still carries version.
func (s *PostgresStore) Swap(ctx context.Context, key string, value []byte, version int64) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidInput
	}
	now := s.now()
	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		 SET value = $2, version = version + 1
		 WHERE key = $1 AND version = $3 AND expires_at > $4
		 RETURNING key, value, version, expires_at`,
		key, value, version, now,
	)
	e, err := scanEntry(row)
	if !errors.Is(err, ErrNotFound) {
		return e, err
	}
	// Distinguish a lost race from a missing key.
	if _, getErr := s.Get(ctx, key); getErr == nil {
		return Entry{}, ErrVersionMismatch
	} else if !errors.Is(getErr, ErrNotFound) {
		return Entry{}, getErr
	}
	return Entry{}, ErrNotFound
}

// Delete removes the key. Missing keys are not an error.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE key = $1`, key)
	return err
}

// Sweep deletes expired rows.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "kv_entries")
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	if err := row.Scan(&e.Key, &e.Value, &e.Version, &e.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	e.ExpiresAt = e.ExpiresAt.UTC()
	return e, nil
}

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
