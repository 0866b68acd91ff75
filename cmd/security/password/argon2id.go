package password

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Verification limits for argon2id hashes. Larger parameters are refused so a
// crafted hash cannot force pathological memory or CPU use.
const (
	argon2MaxMemoryKiB   = 128 * 1024
	argon2MaxIterations  = 10
	argon2MaxParallelism = 16
)

func verifyArgon2id(password, encoded string) bool {
	mem, iter, par, salt, expected, err := decodeArgon2id(encoded)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(password), salt, iter, mem, par, uint32(len(expected))) // #nosec G115 -- bounded by decodeArgon2id.
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// decodeArgon2id parses $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>.
func decodeArgon2id(encoded string) (uint32, uint32, uint8, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var mem, iter, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if mem == 0 || mem > argon2MaxMemoryKiB ||
		iter == 0 || iter > argon2MaxIterations ||
		par == 0 || par > argon2MaxParallelism {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	return mem, iter, uint8(par), salt, key, nil
}
