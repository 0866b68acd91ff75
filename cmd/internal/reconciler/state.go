package reconciler

import (
	"slices"
	"time"

	v1 "standup/shared/contracts/realtime/v1"
)

// State is the client's cached view. A zero State means "not in a session".
type State struct {
	Session  *v1.SessionSnapshot `json:"session,omitempty"`
	UserID   string              `json:"user_id,omitempty"`
	UserName string              `json:"user_name,omitempty"`
	Token    string              `json:"token,omitempty"`
	SyncedAt time.Time           `json:"synced_at,omitempty"`
}

// Active reports whether the state follows a session.
func (s State) Active() bool {
	return s.Session != nil && s.Session.ID != ""
}

// Clone returns a deep copy safe to hand to observers.
func (s State) Clone() State {
	out := s
	if s.Session != nil {
		snap := *s.Session
		snap.Participants = slices.Clone(s.Session.Participants)
		if s.Session.TimerChangedAt != nil {
			ts := *s.Session.TimerChangedAt
			snap.TimerChangedAt = &ts
		}
		out.Session = &snap
	}
	return out
}

func indexOf(ps []v1.ParticipantView, id string) int {
	return slices.IndexFunc(ps, func(p v1.ParticipantView) bool { return p.ID == id })
}
