// Package session is the session state machine: the record stored per
// session, the pure transitions applied to it, and the service that applies
// them against the key-value store and publishes the resulting events.
package session

import (
	"crypto/subtle"
	"time"

	v1 "standup/shared/contracts/realtime/v1"
)

const (
	// FixedTTL is the lifetime of every session, counted from creation.
	// Activity never extends it.
	FixedTTL = 4 * time.Hour
	// MaxParticipants bounds the roster, leader included.
	MaxParticipants = 20
	// MaxNameLength bounds display names, in runes.
	MaxNameLength = 50
)

// Status is the session-level status. StatusExpired is computed by readers
// and never persisted.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// ParticipantStatus is one rung of the per-participant ladder.
type ParticipantStatus string

const (
	ParticipantWaiting      ParticipantStatus = v1.StatusWaiting
	ParticipantRecording    ParticipantStatus = v1.StatusRecording
	ParticipantTranscribing ParticipantStatus = v1.StatusTranscribing
	ParticipantDone         ParticipantStatus = v1.StatusDone
)

// Rank is the ladder position, or -1 for unknown values.
func (s ParticipantStatus) Rank() int { return v1.StatusRank(string(s)) }

// Valid reports whether s is a ladder status.
func (s ParticipantStatus) Valid() bool { return s.Rank() >= 0 }

// Participant is one roster entry. IDs are never reused within a session.
// Identity and TokenDigest are digests; neither ever leaves the record.
type Participant struct {
	ID                 string            `json:"id"`
	Identity           string            `json:"identity,omitempty"`
	TokenDigest        string            `json:"token_digest,omitempty"`
	Name               string            `json:"name"`
	Status             ParticipantStatus `json:"status"`
	Transcript         string            `json:"transcript,omitempty"`
	TranscriptLanguage string            `json:"transcript_language,omitempty"`
	JoinedAt           time.Time         `json:"joined_at"`
	LeftAt             *time.Time        `json:"left_at,omitempty"`
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool { return p.LeftAt == nil }

// Session is the stored record. Participants keep join order.
type Session struct {
	ID             string        `json:"id"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Status         Status        `json:"status"`
	PasswordHash   string        `json:"password_hash,omitempty"`
	LeaderID       string        `json:"leader_id"`
	Participants   []Participant `json:"participants"`
	Summary        string        `json:"summary,omitempty"`
	TimerStartedAt *time.Time    `json:"timer_started_at,omitempty"`
	TimerStoppedAt *time.Time    `json:"timer_stopped_at,omitempty"`
}

// New builds a fresh session with the leader as its only participant.
func New(id, leaderID, leaderName, passwordHash string, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		ExpiresAt:    now.Add(FixedTTL),
		Status:       StatusWaiting,
		PasswordHash: passwordHash,
		LeaderID:     leaderID,
		Participants: []Participant{{
			ID:       leaderID,
			Name:     leaderName,
			Status:   ParticipantWaiting,
			JoinedAt: now,
		}},
	}
}

// Expired reports whether now is past the fixed expiry.
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// Protected reports whether joining requires a password.
func (s *Session) Protected() bool { return s.PasswordHash != "" }

// TimerRunning reports whether the leader's timer is running.
func (s *Session) TimerRunning() bool {
	if s.TimerStartedAt == nil {
		return false
	}
	return s.TimerStoppedAt == nil || s.TimerStoppedAt.Before(*s.TimerStartedAt)
}

// EffectiveStatus folds the lazy expiry into the stored status.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.Expired(now) {
		return StatusExpired
	}
	return s.Status
}

func (s *Session) participant(id string) (int, bool) {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// ParticipantByName returns the first participant holding name, left or not.
func (s *Session) ParticipantByName(name string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.Name == name {
			return p, true
		}
	}
	return Participant{}, false
}

// BindToken stores the digest of a freshly issued participant token and
// binds the participant to identity. A participant already bound to another
// identity keeps its token and BindToken reports false.
func (s *Session) BindToken(participantID, identity, digest string) bool {
	i, ok := s.participant(participantID)
	if !ok || !s.Participants[i].Active() || identity == "" || digest == "" {
		return false
	}
	p := &s.Participants[i]
	if p.Identity != "" && p.Identity != identity {
		return false
	}
	p.Identity, p.TokenDigest = identity, digest
	return true
}

// TokenHolder returns the active participant whose token digest is digest.
func (s *Session) TokenHolder(digest string) (Participant, bool) {
	if digest == "" {
		return Participant{}, false
	}
	var (
		found Participant
		ok    bool
	)
	for _, p := range s.Participants {
		if p.Active() && subtle.ConstantTimeCompare([]byte(p.TokenDigest), []byte(digest)) == 1 {
			found, ok = p, true
		}
	}
	return found, ok
}

// Snapshot renders the wire view at now. Left participants are omitted.
func (s *Session) Snapshot(now time.Time) v1.SessionSnapshot {
	out := v1.SessionSnapshot{
		ID:                s.ID,
		Status:            string(s.EffectiveStatus(now)),
		LeaderID:          s.LeaderID,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		PasswordProtected: s.Protected(),
		Participants:      make([]v1.ParticipantView, 0, len(s.Participants)),
		Summary:           s.Summary,
		TimerRunning:      s.TimerRunning(),
	}
	switch {
	case out.TimerRunning:
		t := *s.TimerStartedAt
		out.TimerChangedAt = &t
	case s.TimerStoppedAt != nil:
		t := *s.TimerStoppedAt
		out.TimerChangedAt = &t
	}
	for _, p := range s.Participants {
		if !p.Active() {
			continue
		}
		out.Participants = append(out.Participants, v1.ParticipantView{
			ID:                 p.ID,
			Name:               p.Name,
			Status:             string(p.Status),
			Transcript:         p.Transcript,
			TranscriptLanguage: p.TranscriptLanguage,
			JoinedAt:           p.JoinedAt,
		})
	}
	return out
}

// Event is a broadcast produced by a transition, published after the write.
type Event struct {
	Type    string
	Payload any
}
