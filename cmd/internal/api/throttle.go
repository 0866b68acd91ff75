package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/kv"
	"standup/cmd/security/token"
)

// Throttle counts wrong session passwords per client IP and session. Once an
// IP reaches Max failures inside Window, further joins of that session from
// it are refused until the window ends. Counts live in the shared store so
// every instance sees them.
type Throttle struct {
	store  kv.Store
	max    int
	window time.Duration
	now    func() time.Time
}

type failureCount struct {
	Count int `json:"count"`
}

// NewThrottle returns a Throttle; max <= 0 disables it.
func NewThrottle(store kv.Store, max int, window time.Duration) *Throttle {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Throttle{
		store:  store,
		max:    max,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithThrottle guards POST /sessions/{id}/join against password guessing.
func WithThrottle(t *Throttle) HandlerOption {
	return func(h *Handler) { h.throttle = t }
}

func (t *Throttle) enabled() bool { return t != nil && t.store != nil && t.max > 0 }

func (t *Throttle) key(ip net.IP, sessionID string) string {
	return "throttle:join:" + token.HashSHA256Hex(ipString(ip)+"|"+sessionID)
}

// check returns RATE_LIMITED and the remaining lockout when ip is over the limit.
func (t *Throttle) check(ctx context.Context, op string, ip net.IP, sessionID string) (time.Duration, error) {
	if !t.enabled() || ip == nil {
		return 0, nil
	}
	e, err := t.store.Get(ctx, t.key(ip, sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Transient(op, err)
	}
	var c failureCount
	if err := json.Unmarshal(e.Value, &c); err != nil {
		return 0, nil
	}
	if c.Count < t.max {
		return 0, nil
	}
	return e.ExpiresAt.Sub(t.now()), fault.New(op, fault.ErrRateLimited, "too many wrong passwords, try again later")
}

// fail records one wrong password. The window starts at the first failure.
func (t *Throttle) fail(ctx context.Context, ip net.IP, sessionID string) error {
	if !t.enabled() || ip == nil {
		return nil
	}
	key := t.key(ip, sessionID)
	for attempt := 0; attempt < 3; attempt++ {
		e, err := t.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			b, _ := json.Marshal(failureCount{Count: 1})
			_, err = t.store.Create(ctx, key, b, t.window)
			if errors.Is(err, kv.ErrExists) {
				continue
			}
			return err
		}
		if err != nil {
			return err
		}
		var c failureCount
		_ = json.Unmarshal(e.Value, &c)
		c.Count++
		b, _ := json.Marshal(c)
		_, err = t.store.Swap(ctx, key, b, e.Version)
		if errors.Is(err, kv.ErrVersionMismatch) || errors.Is(err, kv.ErrNotFound) {
			continue
		}
		return err
	}
	return nil
}

func writeRateLimited(w http.ResponseWriter, log *slog.Logger, op string, retryAfter time.Duration, err error) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Round(time.Second)/time.Second), 10))
	}
	log.Warn(op+".throttled", "retry_after_s", int64(retryAfter/time.Second))
	writeError(w, http.StatusTooManyRequests, fault.Code(err), fault.UserMessage(err))
}
