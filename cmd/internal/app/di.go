package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"standup/cmd/internal/admission"
	"standup/cmd/internal/api"
	"standup/cmd/internal/collab"
	"standup/cmd/internal/credential"
	"standup/cmd/internal/kv"
	"standup/cmd/internal/metrics"
	"standup/cmd/internal/realtime"
	"standup/cmd/internal/session"
	"standup/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const startupTimeout = 15 * time.Second

// storage owns the key-value store and, in Postgres mode, the pool behind it.
type storage struct {
	kv   kv.Store
	pool *pgxpool.Pool
}

func (s *storage) dbEnabled() bool { return s.pool != nil }

// Shutdown closes the store and the pool. The injector calls it on shutdown.
func (s *storage) Shutdown() error {
	err := s.kv.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// newInjector registers every runtime component. Providers are lazy: a
// component is built the first time something invokes it.
func newInjector(cfg Config, log *slog.Logger) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, log)
	do.Provide(injector, func(_ do.Injector) (*metrics.Metrics, error) {
		return metrics.New(), nil
	})

	registerStorage(injector)
	registerRealtime(injector)
	registerDomain(injector)
	registerHTTPHandlers(injector)

	return injector
}

func registerStorage(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*storage, error) {
		cfg := do.MustInvoke[Config](i)
		log := do.MustInvoke[*slog.Logger](i)

		if !cfg.dbEnabled() {
			log.Info("storage.memory")
			return &storage{kv: kv.NewMemoryStore()}, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err := kv.NewPostgresStore(pool, kv.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("storage.postgres", "schema", cfg.DBSchema)
		return &storage{kv: store, pool: pool}, nil
	})
}

func registerRealtime(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*realtime.Hub, error) {
		return realtime.NewHub(do.MustInvoke[*slog.Logger](i), do.MustInvoke[*metrics.Metrics](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*realtime.Broadcaster, error) {
		cfg := do.MustInvoke[Config](i)
		log := do.MustInvoke[*slog.Logger](i)

		opts := []realtime.BroadcasterOption{
			realtime.WithBroadcastLogger(log),
			realtime.WithBroadcastMetrics(do.MustInvoke[*metrics.Metrics](i)),
		}
		if cfg.RelayEnabled {
			st, err := do.Invoke[*storage](i)
			if err != nil {
				return nil, err
			}
			if !st.dbEnabled() {
				return nil, errors.New("relay requires a database")
			}
			relay, err := realtime.NewPostgresRelay(st.pool,
				realtime.WithChannel(cfg.RelayChannel),
				realtime.WithRelayLogger(log),
			)
			if err != nil {
				return nil, err
			}
			opts = append(opts, realtime.WithRelay(relay, 0))
		}
		return realtime.NewBroadcaster(do.MustInvoke[*realtime.Hub](i), opts...), nil
	})
}

func registerDomain(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*session.Service, error) {
		st, err := do.Invoke[*storage](i)
		if err != nil {
			return nil, err
		}
		repo, err := session.NewRepository(st.kv)
		if err != nil {
			return nil, err
		}
		return session.NewService(repo, do.MustInvoke[*realtime.Broadcaster](i),
			session.WithLogger(do.MustInvoke[*slog.Logger](i)),
			session.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
			session.WithTokenHasher(do.MustInvoke[Config](i).tokenHasher()),
		)
	})

	do.Provide(injector, func(i do.Injector) (credential.Mailer, error) {
		cfg := do.MustInvoke[Config](i)
		if cfg.MailerURL == "" {
			return collab.LogMailer{Log: do.MustInvoke[*slog.Logger](i)}, nil
		}
		return collab.NewHTTPMailer(collab.NewClient(cfg.MailerURL, cfg.CollabAPIKey, cfg.CollabTimeout), cfg.MailFrom), nil
	})

	do.Provide(injector, func(i do.Injector) (*credential.Store, error) {
		cfg := do.MustInvoke[Config](i)
		st, err := do.Invoke[*storage](i)
		if err != nil {
			return nil, err
		}
		limits := credential.DefaultLimits()
		limits.CodeTTL = cfg.CodeTTL
		limits.TokenTTL = cfg.TokenTTL
		return credential.New(st.kv, cfg.tokenHasher(), do.MustInvoke[credential.Mailer](i),
			credential.WithLimits(limits),
			credential.WithLogger(do.MustInvoke[*slog.Logger](i)),
			credential.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
		)
	})

	do.Provide(injector, func(i do.Injector) (*admission.Controller, error) {
		pw, err := password.FromEnv()
		if err != nil {
			return nil, err
		}
		return admission.New(do.MustInvoke[*session.Service](i), do.MustInvoke[*credential.Store](i),
			admission.WithPasswordHasher(pw),
			admission.WithLogger(do.MustInvoke[*slog.Logger](i)),
			admission.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
		)
	})
}

func registerHTTPHandlers(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*api.Handler, error) {
		cfg := do.MustInvoke[Config](i)

		st, err := do.Invoke[*storage](i)
		if err != nil {
			return nil, err
		}
		opts := []api.HandlerOption{
			api.WithThrottle(api.NewThrottle(st.kv, cfg.JoinFailureMax, cfg.JoinFailureWindow)),
		}
		if cfg.TranscriberURL != "" {
			c := collab.NewClient(cfg.TranscriberURL, cfg.CollabAPIKey, cfg.CollabTimeout)
			opts = append(opts, api.WithTranscriber(collab.NewHTTPTranscriber(c)))
		}
		if cfg.SummarizerURL != "" {
			c := collab.NewClient(cfg.SummarizerURL, cfg.CollabAPIKey, cfg.CollabTimeout)
			opts = append(opts, api.WithSummarizer(collab.NewHTTPSummarizer(c)))
		}

		return api.NewHandler(do.MustInvoke[*slog.Logger](i), api.Config{
			MaxBodyBytes:    cfg.MaxBodyBytes,
			MaxAudioBytes:   cfg.MaxAudioBytes,
			TrustProxy:      cfg.TrustProxy,
			UpstreamTimeout: cfg.CollabTimeout,
		},
			do.MustInvoke[*admission.Controller](i),
			do.MustInvoke[*session.Service](i),
			do.MustInvoke[*credential.Store](i),
			opts...,
		)
	})

	do.Provide(injector, func(i do.Injector) (*realtime.WSGateway, error) {
		cfg := do.MustInvoke[Config](i)
		gw := realtime.DefaultGatewayConfig()
		gw.AllowedOrigins = cfg.WSAllowedOrigins
		gw.OriginRequired = cfg.WSOriginRequired
		gw.InsecureSkipVerify = cfg.WSInsecureSkipVerify
		gw.HeartbeatInterval = cfg.WSHeartbeatInterval

		return realtime.NewWSGateway(
			do.MustInvoke[*slog.Logger](i),
			do.MustInvoke[*realtime.Hub](i),
			do.MustInvoke[*session.Service](i),
			do.MustInvoke[*metrics.Metrics](i),
			gw,
		)
	})
}
