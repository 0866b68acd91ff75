package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	v1 "standup/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// StreamConfig points the reconciler at the server's /ws endpoint.
type StreamConfig struct {
	URL    string
	Origin string

	// DialTimeout bounds the handshake. Default 10s.
	DialTimeout time.Duration
	// MaxBackoff caps the wait between reconnects. Default 30s.
	MaxBackoff time.Duration
}

// Stream follows the mounted session's events until ctx ends. Each
// (re)connection subscribes, then re-syncs from HTTP so events missed while
// disconnected are covered by the snapshot.
func (r *Reconciler) Stream(ctx context.Context, cfg StreamConfig) error {
	if cfg.URL == "" {
		return errors.New("reconciler: stream url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = cfg.MaxBackoff

	for {
		err := r.streamOnce(ctx, cfg, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errNoSession) {
			return err
		}
		wait := bo.NextBackOff()
		r.log.Info("reconciler.stream.retry", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Reconciler) streamOnce(ctx context.Context, cfg StreamConfig, connected func()) error {
	cur := r.State()
	if !cur.Active() {
		return errNoSession
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	h := http.Header{}
	if cfg.Origin != "" {
		h.Set("Origin", cfg.Origin)
	}
	conn, resp, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if err := writeJSON(ctx, conn, v1.TypeHello, v1.HelloPayload{}); err != nil {
		return err
	}
	if err := writeJSON(ctx, conn, v1.TypeSubscribe, v1.SubscribePayload{
		SessionID: cur.Session.ID,
		Token:     cur.Token,
	}); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.log.Warn("reconciler.stream.decode", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeSubscribed:
			connected()
			if err := r.Sync(ctx); err != nil {
				return err
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("server error %s: %s", p.Code, p.Message)
		default:
			if v1.IsEvent(env.Type) {
				_, _ = r.Apply(ctx, env)
				if !r.State().Active() {
					return errNoSession
				}
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}
