package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	v1 "standup/shared/contracts/realtime/v1"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when STANDUP_DATABASE_URL is set.

func TestPostgresRelay_NotifyReachesListener(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	relay, err := NewPostgresRelay(pool, WithChannel(mustTestChannel(t)), WithRelayLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	got := make(chan v1.Envelope, 1)
	listenCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- relay.Listen(listenCtx, func(env v1.Envelope) {
			select {
			case got <- env:
			default:
			}
		})
	}()

	env := mustEnvelope(t, v1.EventUserJoined, "s1", v1.UserJoinedPayload{ParticipantID: "p1", Name: "Ada"})

	// LISTEN may not be active yet; keep notifying until the listener sees one.
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := relay.Notify(ctx, env); err != nil {
			t.Fatalf("notify: %v", err)
		}
		select {
		case recv := <-got:
			if recv.ID != env.ID || recv.Type != env.Type || recv.SessionID != "s1" {
				t.Fatalf("unexpected envelope: %+v", recv)
			}
			stop()
			if err := <-done; err != nil {
				t.Fatalf("listen: %v", err)
			}
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatalf("no notification received")
		}
	}
}

func TestPostgresRelay_RejectsBadChannel(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	if _, err := NewPostgresRelay(pool, WithChannel("bad-channel;")); err == nil {
		t.Fatalf("expected invalid channel error")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("STANDUP_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: STANDUP_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

func mustTestChannel(t *testing.T) string {
	t.Helper()

	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return "standup_it_" + hex.EncodeToString(b[:])
}
