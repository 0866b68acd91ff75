package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("fourth event inside the window should be rejected")
	}
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("event after the oldest left the window should be allowed")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: ring=%d window=%v", len(rl.ring), rl.window)
	}
}
