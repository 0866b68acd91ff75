// Package app wires the standup server runtime: config, logging, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"standup/cmd/internal/api"
	"standup/cmd/internal/metrics"
	"standup/cmd/internal/realtime"

	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App is the standup server runtime: it owns the HTTP server and the
// background loops (relay, expiry sweeper).
type App struct {
	cfg Config
	log *slog.Logger

	store       *storage
	metrics     *metrics.Metrics
	broadcaster *realtime.Broadcaster
	ws          *realtime.WSGateway
	api         *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	return newApp(newInjector(cfg, log))
}

func newApp(injector do.Injector) (*App, error) {
	a := &App{
		cfg: do.MustInvoke[Config](injector),
		log: do.MustInvoke[*slog.Logger](injector),
	}

	var err error
	if a.store, err = do.Invoke[*storage](injector); err != nil {
		return nil, err
	}
	if a.metrics, err = do.Invoke[*metrics.Metrics](injector); err != nil {
		return nil, a.closeOnErr(err)
	}
	if a.broadcaster, err = do.Invoke[*realtime.Broadcaster](injector); err != nil {
		return nil, a.closeOnErr(err)
	}
	if a.api, err = do.Invoke[*api.Handler](injector); err != nil {
		return nil, a.closeOnErr(err)
	}
	if a.ws, err = do.Invoke[*realtime.WSGateway](injector); err != nil {
		return nil, a.closeOnErr(err)
	}
	return a, nil
}

func (a *App) closeOnErr(err error) error {
	if cerr := a.store.Shutdown(); cerr != nil {
		a.log.Warn("store.close.fail", "err", cerr)
	}
	return err
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.store, a.metrics, a.ws, a.api)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

// Run serves HTTP and runs the background loops until ctx is cancelled or
// one of them fails. Storage is closed on return.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 150*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.store.dbEnabled(),
		"relay_enabled", a.cfg.RelayEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.broadcaster.Run(gctx)
	})
	g.Go(func() error {
		runSweeper(gctx, a.log, a.store.kv, a.metrics, a.cfg.SweepInterval)
		return nil
	})

	err := g.Wait()

	if cerr := a.store.Shutdown(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	a.log.Info("server.stopped")
	return err
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return "ws://" + httpBase
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
