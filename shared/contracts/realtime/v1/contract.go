// Package v1 defines the standup realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the reconciler and the watch CLI so the
// wire protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "standup.realtime.v1"

// Control types (wire-stable).
const (
	// TypeHello starts a connection handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe subscribes the connection to a session channel (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe leaves a session channel (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypeUnsubscribed confirms an unsubscribe, also sent for redundant calls.
	TypeUnsubscribed = "unsubscribed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Event types broadcast to session subscribers (server -> client).
const (
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventTimerStarted  = "timer-started"
	EventTimerStopped  = "timer-stopped"
	EventStatusChanged = "status-changed"
	// EventSessionEnded is the last event of a session the leader ended early.
	EventSessionEnded = "session-ended"
)

// Participant statuses in ladder order.
const (
	StatusWaiting      = "waiting"
	StatusRecording    = "recording"
	StatusTranscribing = "transcribing"
	StatusDone         = "done"
)

// StatusRank returns the ladder position of a participant status, or -1 when unknown.
func StatusRank(status string) int {
	switch status {
	case StatusWaiting:
		return 0
	case StatusRecording:
		return 1
	case StatusTranscribing:
		return 2
	case StatusDone:
		return 3
	default:
		return -1
	}
}

// IsEvent reports whether t is a broadcast event type.
func IsEvent(t string) bool {
	switch t {
	case EventUserJoined, EventUserLeft, EventTimerStarted, EventTimerStopped, EventStatusChanged, EventSessionEnded:
		return true
	default:
		return false
	}
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeUnsubscribed,
		TypeError:
		return nil
	}
	if IsEvent(e.Type) {
		if strings.TrimSpace(e.SessionID) == "" {
			return errors.New("missing field: session_id")
		}
		return nil
	}
	return fmt.Errorf("unknown type: %q", e.Type)
}

// ---- Control payloads ----

// HelloPayload is sent by the client to initiate a connection.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
}

// SubscribePayload asks for a session's events. Token is the participant
// token issued at create or join; it proves membership.
type SubscribePayload struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SubscribedPayload confirms a subscription and names the participant the
// token belongs to.
type SubscribedPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// UnsubscribePayload leaves a session channel.
type UnsubscribePayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Event payloads ----

// UserJoinedPayload announces a participant. Status is the participant's
// ladder position; a rejoin after leaving keeps the status reached before.
type UserJoinedPayload struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Status        string `json:"status,omitempty"`
}

type UserLeftPayload struct {
	ParticipantID string `json:"participant_id"`
}

type TimerPayload struct{}

// SessionEndedPayload says why the session is gone.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

type StatusChangedPayload struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

// ---- Snapshots ----

// SessionSnapshot is the authoritative session view served over HTTP and
// cached by reconcilers. Participants lists only members that have not left.
type SessionSnapshot struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	LeaderID          string            `json:"leader_id"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	PasswordProtected bool              `json:"password_protected"`
	Participants      []ParticipantView `json:"participants"`
	Summary           string            `json:"summary,omitempty"`
	TimerRunning      bool              `json:"timer_running"`
	TimerChangedAt    *time.Time        `json:"timer_changed_at,omitempty"`
}

// ParticipantView is one roster entry.
type ParticipantView struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	Transcript         string    `json:"transcript,omitempty"`
	TranscriptLanguage string    `json:"transcript_language,omitempty"`
	JoinedAt           time.Time `json:"joined_at"`
}

// Participant returns the roster entry with id.
func (s SessionSnapshot) Participant(id string) (ParticipantView, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return ParticipantView{}, false
}
