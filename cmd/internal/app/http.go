package app

import (
	"log/slog"
	"net/http"
	"time"

	"standup/cmd/internal/api"
	"standup/cmd/internal/metrics"
	"standup/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log *slog.Logger,
	cfg Config,
	st *storage,
	m *metrics.Metrics,
	ws *realtime.WSGateway,
	handler *api.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !st.dbEnabled() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if st.dbEnabled() {
			if err := PingDB(r.Context(), st.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", m.Handler())

	handler.Register(mux)

	mux.Handle("GET /ws", ws)
}
