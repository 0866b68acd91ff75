package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const algPBKDF2 = "pbkdf2-sha256"

// maxVerifyIterations bounds attacker-supplied iteration counts during Verify.
const maxVerifyIterations = 5_000_000

// Hash hashes a password with PBKDF2-HMAC-SHA256 and returns the encoded hash.
// Format:
// $pbkdf2-sha256$i=<iter>$<salt_b64>$<key_b64>
func (c Config) Hash(password string) (string, error) {
	if err := c.ValidateConfig(); err != nil {
		return "", err
	}
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, c.Params.Iterations, c.Params.KeyLength, sha256.New)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$%s$i=%d$%s$%s",
		algPBKDF2,
		c.Params.Iterations,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encodedHash.
// Malformed, unsupported or out-of-bounds hashes report false.
func (c Config) Verify(password, encodedHash string) bool {
	switch {
	case strings.HasPrefix(encodedHash, "$"+algPBKDF2+"$"):
		return verifyPBKDF2(password, encodedHash)
	case strings.HasPrefix(encodedHash, "$argon2id$"):
		return verifyArgon2id(password, encodedHash)
	default:
		return false
	}
}

// Hash hashes with DefaultConfig.
func Hash(password string) (string, error) { return DefaultConfig().Hash(password) }

// Verify verifies with DefaultConfig.
func Verify(password, encodedHash string) bool { return DefaultConfig().Verify(password, encodedHash) }

func verifyPBKDF2(password, encoded string) bool {
	iter, salt, expected, err := decodePBKDF2(encoded)
	if err != nil {
		return false
	}
	key := pbkdf2.Key([]byte(password), salt, iter, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// decodePBKDF2 parses $pbkdf2-sha256$i=<iter>$<salt>$<key>.
func decodePBKDF2(encoded string) (int, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != algPBKDF2 {
		return 0, nil, nil, ErrInvalidHash
	}

	raw, ok := strings.CutPrefix(parts[2], "i=")
	if !ok {
		return 0, nil, nil, ErrInvalidHash
	}
	iter, err := strconv.Atoi(raw)
	if err != nil || iter < MinIterations || iter > maxVerifyIterations {
		return 0, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[3])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return 0, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[4])
	if err != nil || len(key) < 16 || len(key) > 64 {
		return 0, nil, nil, ErrInvalidHash
	}
	return iter, salt, key, nil
}
