package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send small control envelopes.
	maxFrameBytes = 16 << 10

	// Max sessions one connection may follow at once.
	maxSubscriptionsPerConn = 8
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limit (envelopes per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
