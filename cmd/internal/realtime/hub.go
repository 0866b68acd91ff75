package realtime

import (
	"log/slog"
	"sync"

	"standup/cmd/internal/metrics"
	v1 "standup/shared/contracts/realtime/v1"
)

// Hub owns the per-session channels of this process.
// Channels are created on first subscribe and dropped when they empty.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewHub constructs a Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  m,
		channels: make(map[string]*Channel),
	}
}

// Subscribe attaches client to sessionID's channel. Repeated calls are no-ops.
func (h *Hub) Subscribe(sessionID string, client *Client) bool {
	if sessionID == "" || client == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[sessionID]
	if !ok {
		ch = newChannel(h.log, sessionID)
		h.channels[sessionID] = ch
	}
	return ch.Subscribe(client)
}

// Unsubscribe detaches connID from sessionID's channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sessionID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[sessionID]
	if !ok {
		return false
	}
	removed := ch.Unsubscribe(connID)
	if ch.Len() == 0 {
		delete(h.channels, sessionID)
	}
	return removed
}

// Subscribers returns the local subscriber count for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	ch := h.channels[sessionID]
	h.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.Len()
}

// Deliver fans env out to local subscribers of env.SessionID.
func (h *Hub) Deliver(env v1.Envelope) {
	h.mu.Lock()
	ch := h.channels[env.SessionID]
	h.mu.Unlock()
	if ch == nil {
		return
	}

	if dropped := ch.Deliver(env); dropped > 0 {
		for i := 0; i < dropped; i++ {
			h.metrics.EventDropped("client")
		}
		h.log.Warn("hub.deliver.dropped", "session_id", env.SessionID, "type", env.Type, "dropped", dropped)
	}
}
