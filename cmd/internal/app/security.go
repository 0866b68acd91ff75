package app

import (
	"errors"

	"standup/cmd/security/token"
)

// ValidateSecurityConfig enforces the token hashing policy at startup.
// A required key that is missing or short fails the boot instead of
// silently falling back to plain SHA-256.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if err := token.CheckKey(cfg.TokenHMACKey, true); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: " + EnvPrefix + "REQUIRE_TOKEN_HMAC=true but " + EnvPrefix + "TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: " + EnvPrefix + "REQUIRE_TOKEN_HMAC=true but " + EnvPrefix + "TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	// The hasher actually used at runtime must be keyed.
	if !cfg.tokenHasher().HMAC() {
		return errors.New("security policy: " + EnvPrefix + "REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return nil
}
