package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/metrics"
	v1 "standup/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsMinSendQueueSize = 32
	wsCloseGrace       = time.Second
	wsMaxPingFailures  = 3
	wsRosterTimeout    = 5 * time.Second
)

// Roster resolves a participant token to the participant it was issued to.
// Unknown tokens fail with fault.ErrUnauthenticated.
type Roster interface {
	Authenticate(ctx context.Context, sessionID, token string) (string, error)
}

// GatewayConfig holds the gateway knobs. Zero values fall back to defaults.
type GatewayConfig struct {
	AllowedOrigins     []string
	OriginRequired     bool
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig only admits localhost origins.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     256,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for session events.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and maps subscribe/unsubscribe envelopes onto the Hub.
// Subscribing requires a participant id that belongs to the session.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	roster  Roster
	metrics *metrics.Metrics
	cfg     GatewayConfig
	origins originPolicy
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, roster Roster, m *metrics.Metrics, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if roster == nil {
		return nil, errors.New("realtime: nil roster")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:     log,
		hub:     hub,
		roster:  roster,
		metrics: m,
		cfg:     cfg,
		origins: originPolicy{required: cfg.OriginRequired, allowed: cfg.AllowedOrigins},
	}, nil
}

// ServeHTTP upgrades the request and runs the connection loop.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.patterns(),
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	c := &wsConn{
		g:      g,
		conn:   conn,
		client: NewClient(NewConnID(), g.cfg.SendQueueSize),
		subs:   make(map[string]struct{}),
	}
	c.run(r.Context())
}

// wsConn is the state of one accepted connection.
type wsConn struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client

	closeOnce sync.Once
	cancel    context.CancelFunc

	// subs is only touched by the read loop and shutdown.
	subs map[string]struct{}
}

func (c *wsConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	defer cancel()

	connID := c.client.ConnID
	c.g.log.Info("ws.open", "conn_id", connID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeat(ctx)
	}()

	c.readLoop(ctx)

	c.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	c.g.log.Info("ws.close", "conn_id", connID)
}

// shutdown unsubscribes everything, then stops the goroutines. It does not
// close client.Send.
func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		for sessionID := range c.subs {
			c.g.hub.Unsubscribe(sessionID, c.client.ConnID)
		}
		c.client.Close()
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		case env := <-c.client.Send:
			if err := writeEnvelope(ctx, c.conn, env, c.g.cfg.WriteTimeout); err != nil {
				c.g.log.Info("ws.write.fail", "conn_id", c.client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsConn) heartbeat(ctx context.Context) {
	t := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.g.cfg.HeartbeatTimeout)
			err := c.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.g.log.Info("ws.ping.fail", "conn_id", c.client.ConnID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					c.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	rl := NewRateLimiter(c.g.cfg.RateEvents, c.g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, c.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, c.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				c.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				c.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				c.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				c.sendError("bad_json", "invalid JSON")
				continue
			default:
				c.g.log.Info("ws.read.fail", "conn_id", c.client.ConnID, "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(time.Now()) {
			c.sendError("rate_limited", "too many messages")
			c.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if err := env.Validate(); err != nil {
			c.sendError("bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeHello:
			c.send(v1.TypeHelloAck, "", v1.HelloAckPayload{ConnID: c.client.ConnID})
		case v1.TypeSubscribe:
			c.onSubscribe(ctx, env)
		case v1.TypeUnsubscribe:
			c.onUnsubscribe(env)
		default:
			c.sendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

func (c *wsConn) onSubscribe(ctx context.Context, env v1.Envelope) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.sendError("bad_payload", "invalid subscribe payload")
		return
	}
	sessionID := strings.TrimSpace(p.SessionID)
	tok := strings.TrimSpace(p.Token)
	if sessionID == "" || tok == "" {
		c.sendError("bad_payload", "session_id and token are required")
		return
	}

	if _, ok := c.subs[sessionID]; !ok && len(c.subs) >= maxSubscriptionsPerConn {
		c.sendError("too_many_subscriptions", fmt.Sprintf("at most %d sessions per connection", maxSubscriptionsPerConn))
		return
	}

	rosterCtx, cancel := context.WithTimeout(ctx, wsRosterTimeout)
	participantID, err := c.g.roster.Authenticate(rosterCtx, sessionID, tok)
	cancel()
	if err != nil {
		c.g.log.Info("ws.reject.subscribe", "conn_id", c.client.ConnID, "session_id", sessionID, "err", err)
		c.sendError(fault.Code(err), fault.UserMessage(err))
		return
	}

	c.g.hub.Subscribe(sessionID, c.client)
	c.subs[sessionID] = struct{}{}
	c.send(v1.TypeSubscribed, sessionID, v1.SubscribedPayload{SessionID: sessionID, ParticipantID: participantID})
}

func (c *wsConn) onUnsubscribe(env v1.Envelope) {
	var p v1.UnsubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.sendError("bad_payload", "invalid unsubscribe payload")
		return
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		c.sendError("bad_payload", "session_id is required")
		return
	}

	c.g.hub.Unsubscribe(sessionID, c.client.ConnID)
	delete(c.subs, sessionID)
	c.send(v1.TypeUnsubscribed, sessionID, v1.UnsubscribePayload{SessionID: sessionID})
}

// ---- send helpers ----

func (c *wsConn) send(typ, sessionID string, payload any) {
	env, err := NewEnvelope(typ, sessionID, payload, time.Now())
	if err != nil {
		c.g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	if !c.client.offer(env) {
		c.g.log.Info("ws.enqueue.drop", "conn_id", c.client.ConnID, "type", typ)
	}
}

func (c *wsConn) sendError(code, msg string) {
	c.send(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg})
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	}
	return readErrUnknown
}
