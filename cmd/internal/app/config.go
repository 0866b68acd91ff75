package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"standup/cmd/security/token"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable name below.
const EnvPrefix = "STANDUP_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	// Audio uploads wait on the speech-to-text provider before responding.
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"150s"`
	IdleTimeout    time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes   int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"65536"`
	MaxAudioBytes  int64         `env:"HTTP_MAX_AUDIO_BYTES" envDefault:"26214400"`
	TrustProxy     bool          `env:"HTTP_TRUST_PROXY" envDefault:"false"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	// Empty selects the in-memory store; sessions then live as long as the process.
	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"standup"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	// Relay fans realtime events across instances through Postgres LISTEN/NOTIFY.
	RelayEnabled bool   `env:"RELAY_ENABLED" envDefault:"false"`
	RelayChannel string `env:"RELAY_CHANNEL" envDefault:"standup_events"`

	WSAllowedOrigins     []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://127.0.0.1:5173"`
	WSOriginRequired     bool          `env:"WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSInsecureSkipVerify bool          `env:"WS_DEV_INSECURE_SKIP_VERIFY" envDefault:"false"`
	WSHeartbeatInterval  time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`

	// Security policy: when true the token HMAC key MUST be set (>= 32 bytes).
	RequireTokenHMAC bool   `env:"REQUIRE_TOKEN_HMAC" envDefault:"false"`
	TokenHMACKey     string `env:"TOKEN_HMAC_KEY"`

	// Wrong session passwords tolerated per client IP and session inside the window.
	JoinFailureMax    int           `env:"JOIN_FAILURE_MAX" envDefault:"10"`
	JoinFailureWindow time.Duration `env:"JOIN_FAILURE_WINDOW" envDefault:"15m"`

	CodeTTL  time.Duration `env:"CODE_TTL" envDefault:"10m"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Collaborators. An empty URL disables the feature (mail falls back to the log).
	TranscriberURL string        `env:"TRANSCRIBER_URL"`
	SummarizerURL  string        `env:"SUMMARIZER_URL"`
	MailerURL      string        `env:"MAILER_URL"`
	CollabAPIKey   string        `env:"COLLAB_API_KEY"`
	MailFrom       string        `env:"MAIL_FROM" envDefault:"standup@localhost"`
	CollabTimeout  time.Duration `env:"COLLAB_TIMEOUT" envDefault:"2m"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// LoadConfig reads Config from STANDUP_* environment variables and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.TokenHMACKey = strings.TrimSpace(c.TokenHMACKey)
	c.WSAllowedOrigins = trimList(c.WSAllowedOrigins)
	c.CORSAllowedOrigins = trimList(c.CORSAllowedOrigins)
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("%sHTTP_ADDR: %w", EnvPrefix, err))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT: must be json or text, got %q", EnvPrefix, c.LogFormat))
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, fmt.Errorf("%sDB_MIN_CONNS: %d exceeds max %d", EnvPrefix, c.DBMinConns, c.DBMaxConns))
	}
	if c.RelayEnabled && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("%sRELAY_ENABLED requires %sDATABASE_URL", EnvPrefix, EnvPrefix))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("%sREADINESS_REQUIRE_DB requires %sDATABASE_URL", EnvPrefix, EnvPrefix))
	}
	if c.WSOriginRequired && len(c.WSAllowedOrigins) == 0 && !c.WSInsecureSkipVerify {
		errs = append(errs, fmt.Errorf("%sWS_ALLOWED_ORIGINS: empty allowlist rejects every browser", EnvPrefix))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("%sSWEEP_INTERVAL: must be positive", EnvPrefix))
	}
	if c.CodeTTL <= 0 || c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("%sCODE_TTL and %sTOKEN_TTL must be positive", EnvPrefix, EnvPrefix))
	}
	if err := ValidateSecurityConfig(c); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) dbEnabled() bool { return c.DatabaseURL != "" }

func (c Config) tokenHasher() token.Hasher { return token.NewHasher([]byte(c.TokenHMACKey)) }

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
