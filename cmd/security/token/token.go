package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// MinKeyBytes is the minimum HMAC key size accepted by CheckKey in strict mode.
const MinKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher digests tokens for storage. The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher using key for HMAC mode; an empty key selects SHA-256.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// CheckKey validates raw HMAC key material. When require is true the key
// must be present and at least MinKeyBytes long (bytes, not runes).
func CheckKey(raw string, require bool) error {
	if !require {
		return nil
	}
	if raw == "" {
		return ErrHMACKeyMissing
	}
	if len(raw) < MinKeyBytes {
		return ErrHMACKeyTooShort
	}
	return nil
}

// HMAC reports whether the hasher is keyed.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Hash returns the 64-char hex digest of s.
func (h Hasher) Hash(s string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(s)
	}
	return HashHMACSHA256Hex(s, h.key)
}

// Equal compares a plaintext token with a stored digest in constant time.
func (h Hasher) Equal(plain, digest string) bool {
	return hmac.Equal([]byte(h.Hash(plain)), []byte(digest))
}

// NewOpaque returns a URL-safe random token carrying nBytes of entropy (default 32).
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
