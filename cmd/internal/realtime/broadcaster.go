package realtime

import (
	"context"
	"log/slog"
	"time"

	"standup/cmd/internal/metrics"
	"standup/cmd/internal/retry"
	v1 "standup/shared/contracts/realtime/v1"

	"golang.org/x/sync/errgroup"
)

// Relay carries envelopes between server instances. Every instance,
// including the sender, receives each notification through Listen.
type Relay interface {
	Notify(ctx context.Context, env v1.Envelope) error
	Listen(ctx context.Context, deliver func(v1.Envelope)) error
}

const defaultRelayQueue = 1024

// Broadcaster publishes session events. Publish never blocks and never
// fails: the store write has already happened and the event is only a hint.
type Broadcaster struct {
	hub     *Hub
	relay   Relay
	queue   chan v1.Envelope
	policy  retry.Policy
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithRelay routes events through r so every instance delivers them.
func WithRelay(r Relay, queueSize int) BroadcasterOption {
	return func(b *Broadcaster) {
		if r == nil {
			return
		}
		if queueSize <= 0 {
			queueSize = defaultRelayQueue
		}
		b.relay = r
		b.queue = make(chan v1.Envelope, queueSize)
	}
}

func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

func WithBroadcastMetrics(m *metrics.Metrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

func WithBroadcastRetry(p retry.Policy) BroadcasterOption {
	return func(b *Broadcaster) { b.policy = p }
}

func WithBroadcastClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroadcaster delivers through hub, optionally via a relay.
func NewBroadcaster(hub *Hub, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		policy: retry.Default,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish implements session.Publisher.
func (b *Broadcaster) Publish(_ context.Context, sessionID, eventType string, payload any) {
	env, err := NewEnvelope(eventType, sessionID, payload, b.now())
	if err != nil {
		b.log.Error("broadcast.encode.fail", "session_id", sessionID, "type", eventType, "err", err)
		return
	}

	if b.relay == nil {
		b.hub.Deliver(env)
		return
	}

	select {
	case b.queue <- env:
	default:
		b.metrics.EventDropped("relay")
		b.log.Warn("broadcast.queue.full", "session_id", sessionID, "type", eventType)
	}
}

// Run drives the relay until ctx ends. Without a relay it only waits.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.relay.Listen(ctx, b.hub.Deliver)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case env := <-b.queue:
				b.forward(ctx, env)
			}
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// forward sends env through the relay. When the relay keeps failing, local
// subscribers still get the event.
func (b *Broadcaster) forward(ctx context.Context, env v1.Envelope) {
	err := retry.Run(ctx, b.policy, "broadcast.notify", func(ctx context.Context) error {
		return b.relay.Notify(ctx, env)
	})
	if err == nil {
		return
	}
	b.metrics.UpstreamFailure("broadcast.notify")
	b.log.Warn("broadcast.relay.fail", "session_id", env.SessionID, "type", env.Type, "err", err)
	b.hub.Deliver(env)
}
