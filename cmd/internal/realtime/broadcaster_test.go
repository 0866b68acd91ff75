package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"standup/cmd/internal/retry"
	v1 "standup/shared/contracts/realtime/v1"
)

// loopRelay echoes every notification back to its listener, like a single
// instance subscribed to its own channel.
type loopRelay struct {
	mu       sync.Mutex
	failures int
	notified int
	ch       chan v1.Envelope
}

func newLoopRelay(failures int) *loopRelay {
	return &loopRelay{failures: failures, ch: make(chan v1.Envelope, 16)}
}

func (r *loopRelay) Notify(_ context.Context, env v1.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified++
	if r.failures > 0 {
		r.failures--
		return errors.New("relay down")
	}
	r.ch <- env
	return nil
}

func (r *loopRelay) Listen(ctx context.Context, deliver func(v1.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-r.ch:
			deliver(env)
		}
	}
}

func (r *loopRelay) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notified
}

func waitEnvelope(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
	return v1.Envelope{}
}

func TestBroadcaster_LocalDelivery(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	c := NewClient("c1", 4)
	hub.Subscribe("s1", c)

	b := NewBroadcaster(hub, WithBroadcastLogger(discardLogger()))
	b.Publish(context.Background(), "s1", v1.EventUserJoined, v1.UserJoinedPayload{ParticipantID: "p1", Name: "Ada"})

	env := waitEnvelope(t, c)
	if env.V != v1.Version || env.Type != v1.EventUserJoined || env.SessionID != "s1" || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("published envelope invalid: %v", err)
	}
}

func TestBroadcaster_ViaRelay(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	c := NewClient("c1", 4)
	hub.Subscribe("s1", c)

	relay := newLoopRelay(0)
	b := NewBroadcaster(hub,
		WithRelay(relay, 8),
		WithBroadcastRetry(retry.Immediate),
		WithBroadcastLogger(discardLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.Publish(ctx, "s1", v1.EventTimerStarted, v1.TimerPayload{})
	if env := waitEnvelope(t, c); env.Type != v1.EventTimerStarted {
		t.Fatalf("type=%q", env.Type)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBroadcaster_RelayRetriesThenSucceeds(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	c := NewClient("c1", 4)
	hub.Subscribe("s1", c)

	relay := newLoopRelay(2)
	b := NewBroadcaster(hub, WithRelay(relay, 8), WithBroadcastRetry(retry.Immediate), WithBroadcastLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	b.Publish(ctx, "s1", v1.EventTimerStopped, v1.TimerPayload{})
	waitEnvelope(t, c)
	if got := relay.calls(); got != 3 {
		t.Fatalf("notify calls=%d, want 3", got)
	}
}

func TestBroadcaster_RelayDownFallsBackToLocal(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	c := NewClient("c1", 4)
	hub.Subscribe("s1", c)

	relay := newLoopRelay(100)
	b := NewBroadcaster(hub, WithRelay(relay, 8), WithBroadcastRetry(retry.Immediate), WithBroadcastLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	b.Publish(ctx, "s1", v1.EventStatusChanged, v1.StatusChangedPayload{ParticipantID: "p1", Status: v1.StatusRecording})
	if env := waitEnvelope(t, c); env.Type != v1.EventStatusChanged {
		t.Fatalf("type=%q", env.Type)
	}
	if got := relay.calls(); got != int(retry.Immediate.Attempts) {
		t.Fatalf("notify calls=%d, want %d", got, retry.Immediate.Attempts)
	}
}

func TestBroadcaster_PublishNeverBlocksWhenQueueFull(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	b := NewBroadcaster(hub, WithRelay(newLoopRelay(0), 1), WithBroadcastLogger(discardLogger()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(context.Background(), "s1", v1.EventTimerStarted, v1.TimerPayload{})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked without a running relay worker")
	}
}
