// Package ids provides the identifier primitives used across standup.
//
// Session and participant ids are opaque 128-bit random values (guessing and
// enumeration must be infeasible). Envelope ids are ULIDs so they sort by
// creation time in logs.
package ids

import (
	"crypto/rand"
	"fmt"
	"time"

	"standup/cmd/security/token"

	"github.com/oklog/ulid/v2"
)

// OpaqueBytes is the entropy of session and participant ids.
const OpaqueBytes = 16

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Generator produces opaque ids. Components take a Generator so tests can
// substitute deterministic ids.
type Generator interface {
	NewID() (string, error)
}

// Random is the production Generator.
type Random struct{}

// NewID returns a 128-bit opaque id.
func (Random) NewID() (string, error) {
	id, err := token.NewOpaque(OpaqueBytes)
	if err != nil {
		return "", fmt.Errorf("ids: read random: %w", err)
	}
	return id, nil
}
