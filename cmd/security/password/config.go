package password

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// MinIterations is the lowest PBKDF2 iteration count Hash will use.
const MinIterations = 100_000

// PBKDF2Params controls PBKDF2 hashing cost.
type PBKDF2Params struct {
	Iterations int `env:"PBKDF2_ITERATIONS"`
	SaltLength int `env:"PBKDF2_SALT_LEN"`
	KeyLength  int `env:"PBKDF2_KEY_LEN"`
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int `env:"PASSWORD_MIN_LEN"`
	MaxLength int `env:"PASSWORD_MAX_LEN"`
	// If true, reject a minimal set of trivially guessable passwords.
	RejectVeryWeak bool `env:"PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params PBKDF2Params
	Policy Policy
}

// DefaultConfig returns the baseline used for session passwords.
func DefaultConfig() Config {
	return Config{
		Params: PBKDF2Params{
			Iterations: 210_000,
			SaltLength: 16,
			KeyLength:  32,
		},
		Policy: Policy{
			MinLength:      6,
			MaxLength:      128,
			RejectVeryWeak: false,
		},
	}
}

// ValidateConfig checks the config itself (not a password).
func (c Config) ValidateConfig() error {
	if c.Params.Iterations < MinIterations {
		return fmt.Errorf("%w: iterations %d below minimum %d", ErrConfig, c.Params.Iterations, MinIterations)
	}
	// Verify refuses hashes above this count, so Hash must never produce one.
	if c.Params.Iterations > maxVerifyIterations {
		return fmt.Errorf("%w: iterations %d above maximum %d", ErrConfig, c.Params.Iterations, maxVerifyIterations)
	}
	if c.Params.SaltLength < 8 || c.Params.SaltLength > 64 {
		return fmt.Errorf("%w: salt length out of range [8..64]", ErrConfig)
	}
	if c.Params.KeyLength < 16 || c.Params.KeyLength > 64 {
		return fmt.Errorf("%w: key length out of range [16..64]", ErrConfig)
	}
	if c.Policy.MaxLength > 4096 {
		return fmt.Errorf("%w: max_len(%d) above 4096", ErrConfig, c.Policy.MaxLength)
	}
	if c.Policy.MinLength < 1 || c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf("%w: min_len(%d) max_len(%d)", ErrConfig, c.Policy.MinLength, c.Policy.MaxLength)
	}
	return nil
}

// EnvPrefix prefixes every variable FromEnv reads.
const EnvPrefix = "STANDUP_"

// FromEnv loads config from environment variables on top of DefaultConfig.
// Unset variables keep their default.
//
// Env surface:
//   - STANDUP_PASSWORD_MIN_LEN
//   - STANDUP_PASSWORD_MAX_LEN
//   - STANDUP_PASSWORD_REJECT_VERY_WEAK (true/false)
//   - STANDUP_PBKDF2_ITERATIONS (>= 100000)
//   - STANDUP_PBKDF2_SALT_LEN
//   - STANDUP_PBKDF2_KEY_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
