package app

import (
	"context"
	"log/slog"
	"time"

	"standup/cmd/internal/kv"
	"standup/cmd/internal/metrics"
)

const sweepTimeout = 30 * time.Second

// runSweeper removes expired records every interval until ctx ends.
// Expired records are already invisible to readers; sweeping only reclaims space.
func runSweeper(ctx context.Context, log *slog.Logger, store kv.Store, m *metrics.Metrics, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweepOnce(ctx, log, store, m)
		}
	}
}

func sweepOnce(ctx context.Context, log *slog.Logger, store kv.Store, m *metrics.Metrics) {
	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := store.Sweep(sctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("store.sweep.fail", "err", err)
		}
		return
	}
	m.Swept(n)
	if n > 0 {
		log.Debug("store.sweep", "removed", n)
	}
}
