package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	v1 "standup/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pg_notify rejects payloads of 8000 bytes or more.
const maxNotifyPayload = 7900

// PostgresRelay fans events across instances with LISTEN/NOTIFY.
//
// Ownership model:
// - PostgresRelay does NOT own the pgx pool. The caller must close the pool.
// - Listen holds one pooled connection for as long as it runs.
type PostgresRelay struct {
	pool    *pgxpool.Pool
	channel string
	log     *slog.Logger
}

// RelayOption configures PostgresRelay behavior.
type RelayOption func(*PostgresRelay) error

// WithChannel sets the notification channel (default: "standup_events").
func WithChannel(name string) RelayOption {
	return func(r *PostgresRelay) error {
		name = strings.TrimSpace(name)
		if !pgIdentRE.MatchString(name) {
			return errors.New("realtime: invalid channel identifier")
		}
		r.channel = name
		return nil
	}
}

func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *PostgresRelay) error {
		if l != nil {
			r.log = l
		}
		return nil
	}
}

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewPostgresRelay constructs a relay on pool.
func NewPostgresRelay(pool *pgxpool.Pool, opts ...RelayOption) (*PostgresRelay, error) {
	r := &PostgresRelay{
		pool:    pool,
		channel: "standup_events",
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return r, nil
}

// Notify publishes env to every listener, this instance included.
func (r *PostgresRelay) Notify(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(b) > maxNotifyPayload {
		return fmt.Errorf("realtime: envelope too large for notify (%d bytes)", len(b))
	}
	_, err = r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, string(b))
	return err
}

// Listen delivers notifications until ctx ends, reconnecting with backoff
// when the connection drops.
func (r *PostgresRelay) Listen(ctx context.Context, deliver func(v1.Envelope)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	for {
		err := r.listenOnce(ctx, deliver, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		r.log.Warn("relay.listen.retry", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *PostgresRelay) listenOnce(ctx context.Context, deliver func(v1.Envelope), connected func()) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return err
	}
	// The session keeps LISTEN state; drop it before the conn goes back to the pool.
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, `UNLISTEN *`)
	}()

	connected()
	r.log.Info("relay.listen", "channel", r.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var env v1.Envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			r.log.Warn("relay.decode.fail", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			r.log.Warn("relay.envelope.invalid", "err", err)
			continue
		}
		deliver(env)
	}
}
