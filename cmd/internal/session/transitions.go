package session

import (
	"time"

	"standup/cmd/internal/fault"
	v1 "standup/shared/contracts/realtime/v1"
)

// JoinOutcome tells the caller whether Join wrote anything.
type JoinOutcome int

const (
	// JoinExisting is an idempotent hit: the name is already active.
	JoinExisting JoinOutcome = iota
	// JoinRejoined reactivated a participant that had left.
	JoinRejoined
	// JoinAdded appended a new participant.
	JoinAdded
)

// Changed reports whether the outcome needs a write.
func (o JoinOutcome) Changed() bool { return o != JoinExisting }

// Join admits name into the roster. A name already present returns the
// existing participant; newID is only used when a participant is appended.
func (s *Session) Join(newID, name string, now time.Time) (Participant, JoinOutcome, []Event, error) {
	if p, ok := s.ParticipantByName(name); ok {
		if p.Active() {
			return p, JoinExisting, nil, nil
		}
		i, _ := s.participant(p.ID)
		s.Participants[i].LeftAt = nil
		p = s.Participants[i]
		events := []Event{joinedEvent(p)}
		if p.Status != ParticipantWaiting {
			events = append(events, statusEvent(p.ID, p.Status))
		}
		return p, JoinRejoined, events, nil
	}

	if len(s.Participants) >= MaxParticipants {
		return Participant{}, JoinExisting, nil, fault.Newf("session.join", fault.ErrSessionFull, "session holds %d participants", MaxParticipants)
	}
	if newID == "" {
		return Participant{}, JoinExisting, nil, fault.New("session.join", fault.ErrValidation, "missing participant id")
	}
	if _, taken := s.participant(newID); taken {
		return Participant{}, JoinExisting, nil, fault.New("session.join", fault.ErrConflict, "participant id collision")
	}

	p := Participant{
		ID:       newID,
		Name:     name,
		Status:   ParticipantWaiting,
		JoinedAt: now.UTC(),
	}
	s.Participants = append(s.Participants, p)
	return p, JoinAdded, []Event{joinedEvent(p)}, nil
}

func joinedEvent(p Participant) Event {
	return Event{Type: v1.EventUserJoined, Payload: v1.UserJoinedPayload{ParticipantID: p.ID, Name: p.Name, Status: string(p.Status)}}
}

// AdvanceParticipant moves participantID one rung up the ladder.
// Equal or lower targets are no-ops; skipping a rung is a validation error.
func (s *Session) AdvanceParticipant(participantID string, next ParticipantStatus) (bool, []Event, error) {
	const op = "session.update_status"

	if !next.Valid() {
		return false, nil, fault.Newf(op, fault.ErrValidation, "unknown status %q", next)
	}
	i, err := s.activeParticipant(op, participantID)
	if err != nil {
		return false, nil, err
	}

	cur := s.Participants[i].Status
	switch {
	case next.Rank() <= cur.Rank():
		return false, nil, nil
	case next.Rank() > cur.Rank()+1:
		return false, nil, fault.Newf(op, fault.ErrValidation, "cannot move from %s to %s", cur, next)
	}

	s.Participants[i].Status = next
	if s.Status == StatusWaiting {
		s.Status = StatusInProgress
	}
	return true, []Event{statusEvent(participantID, next)}, nil
}

// AttachTranscript stores a transcript. A transcribing participant advances
// to done; a done participant has its transcript replaced.
func (s *Session) AttachTranscript(participantID, text, language string) (bool, []Event, error) {
	const op = "session.attach_transcript"

	i, err := s.activeParticipant(op, participantID)
	if err != nil {
		return false, nil, err
	}

	p := &s.Participants[i]
	switch p.Status {
	case ParticipantTranscribing:
		p.Status = ParticipantDone
		p.Transcript, p.TranscriptLanguage = text, language
		if s.Status == StatusWaiting {
			s.Status = StatusInProgress
		}
		return true, []Event{statusEvent(participantID, ParticipantDone)}, nil
	case ParticipantDone:
		if p.Transcript == text && p.TranscriptLanguage == language {
			return false, nil, nil
		}
		p.Transcript, p.TranscriptLanguage = text, language
		return true, nil, nil
	default:
		return false, nil, fault.Newf(op, fault.ErrValidation, "participant is %s; a transcript needs transcribing or done", p.Status)
	}
}

// SetSummary finalizes the session. The summary is set at most once.
func (s *Session) SetSummary(text string) (bool, error) {
	const op = "session.set_summary"

	if s.Summary != "" {
		if s.Summary == text {
			return false, nil
		}
		return false, fault.New(op, fault.ErrValidation, "summary is already set")
	}
	s.Summary = text
	s.Status = StatusCompleted
	return true, nil
}

// StartTimer starts the leader's timer.
func (s *Session) StartTimer(actorID string, now time.Time) (bool, []Event, error) {
	if err := s.requireLeader("session.start_timer", actorID); err != nil {
		return false, nil, err
	}
	if s.TimerRunning() {
		return false, nil, nil
	}
	t := now.UTC()
	s.TimerStartedAt = &t
	if s.Status == StatusWaiting {
		s.Status = StatusInProgress
	}
	return true, []Event{{Type: v1.EventTimerStarted, Payload: v1.TimerPayload{}}}, nil
}

// StopTimer stops the leader's timer.
func (s *Session) StopTimer(actorID string, now time.Time) (bool, []Event, error) {
	if err := s.requireLeader("session.stop_timer", actorID); err != nil {
		return false, nil, err
	}
	if !s.TimerRunning() {
		return false, nil, nil
	}
	t := now.UTC()
	s.TimerStoppedAt = &t
	return true, []Event{{Type: v1.EventTimerStopped, Payload: v1.TimerPayload{}}}, nil
}

// Leave marks a participant as gone. The entry and its id stay in the record
// and keep counting toward capacity. The leader cannot leave.
func (s *Session) Leave(participantID string, now time.Time) (bool, []Event, error) {
	const op = "session.leave"

	i, ok := s.participant(participantID)
	if !ok {
		return false, nil, fault.New(op, fault.ErrNotFound, "participant not found")
	}
	if participantID == s.LeaderID {
		return false, nil, fault.New(op, fault.ErrForbidden, "the leader ends the session instead of leaving")
	}
	if !s.Participants[i].Active() {
		return false, nil, nil
	}
	t := now.UTC()
	s.Participants[i].LeftAt = &t
	return true, []Event{{Type: v1.EventUserLeft, Payload: v1.UserLeftPayload{ParticipantID: participantID}}}, nil
}

func (s *Session) requireLeader(op, actorID string) error {
	if actorID == "" || actorID != s.LeaderID {
		return fault.New(op, fault.ErrForbidden, "only the session leader can do that")
	}
	return nil
}

func (s *Session) activeParticipant(op, id string) (int, error) {
	i, ok := s.participant(id)
	if !ok || !s.Participants[i].Active() {
		return -1, fault.New(op, fault.ErrNotFound, "participant not found")
	}
	return i, nil
}

func statusEvent(participantID string, st ParticipantStatus) Event {
	return Event{Type: v1.EventStatusChanged, Payload: v1.StatusChangedPayload{ParticipantID: participantID, Status: string(st)}}
}
