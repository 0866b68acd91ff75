package api

import "time"

// Config controls request limits for the HTTP API.
type Config struct {
	MaxBodyBytes  int64
	MaxAudioBytes int64
	TrustProxy    bool

	// UpstreamTimeout bounds one transcription or summarization call.
	UpstreamTimeout time.Duration
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    64 << 10,
		MaxAudioBytes:   25 << 20,
		UpstreamTimeout: 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = d.MaxAudioBytes
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = d.UpstreamTimeout
	}
	return c
}
