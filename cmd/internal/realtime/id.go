package realtime

import (
	"encoding/json"
	"time"

	"standup/cmd/identity/ids"
	v1 "standup/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// NewConnID returns a random connection id.
func NewConnID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID; they sort by time, which keeps logs readable.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewEnvelope builds a v1 envelope, marshalling payload.
func NewEnvelope(typ, sessionID string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:         v1.Version,
		Type:      typ,
		ID:        NewEnvelopeID(now),
		SessionID: sessionID,
		TS:        now.UTC(),
		Payload:   raw,
	}, nil
}
