package realtime

import (
	"log/slog"
	"sync"

	v1 "standup/shared/contracts/realtime/v1"
)

// Channel is the subscriber set of one session.
//
// Subscribe and Unsubscribe are safe under concurrent Deliver, and Deliver
// never blocks: a subscriber whose queue is full misses the event and is
// expected to re-sync from the store.
type Channel struct {
	log       *slog.Logger
	SessionID string

	mu      sync.RWMutex
	members map[string]*Client
}

func newChannel(log *slog.Logger, sessionID string) *Channel {
	return &Channel{
		log:       log,
		SessionID: sessionID,
		members:   make(map[string]*Client),
	}
}

// Subscribe adds client. It reports false when the client was already subscribed.
func (c *Channel) Subscribe(client *Client) bool {
	if client == nil || client.ConnID == "" {
		return false
	}

	c.mu.Lock()
	_, exists := c.members[client.ConnID]
	c.members[client.ConnID] = client
	c.mu.Unlock()

	if !exists {
		c.log.Debug("channel.subscribe", "session_id", c.SessionID, "conn_id", client.ConnID)
	}
	return !exists
}

// Unsubscribe removes connID. Unknown ids are ignored.
func (c *Channel) Unsubscribe(connID string) bool {
	c.mu.Lock()
	_, exists := c.members[connID]
	delete(c.members, connID)
	c.mu.Unlock()

	if exists {
		c.log.Debug("channel.unsubscribe", "session_id", c.SessionID, "conn_id", connID)
	}
	return exists
}

// Len returns the subscriber count.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Deliver fans env out and returns how many subscribers missed it.
func (c *Channel) Deliver(env v1.Envelope) (dropped int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.members {
		if m == nil {
			continue
		}
		if !m.offer(env) {
			dropped++
		}
	}
	return dropped
}
