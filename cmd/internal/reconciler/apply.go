package reconciler

import (
	"encoding/json"
	"fmt"

	v1 "standup/shared/contracts/realtime/v1"
)

// Session statuses as served in snapshots.
const (
	sessionWaiting    = "waiting"
	sessionInProgress = "in-progress"
)

// apply folds one event into snap and reports whether anything changed.
//
// Rules: user-joined appends when absent (at the announced status, waiting
// by default), user-left removes when present,
// status-changed only moves forward on the ladder, timer events are ordered
// by envelope timestamp. Events for other sessions are ignored.
func apply(snap *v1.SessionSnapshot, env v1.Envelope) (bool, error) {
	if snap == nil || env.SessionID != snap.ID {
		return false, nil
	}

	switch env.Type {
	case v1.EventUserJoined:
		var p v1.UserJoinedPayload
		if err := decode(env, &p); err != nil {
			return false, err
		}
		if p.ParticipantID == "" || indexOf(snap.Participants, p.ParticipantID) >= 0 {
			return false, nil
		}
		status := v1.StatusWaiting
		if v1.StatusRank(p.Status) > 0 {
			status = p.Status
		}
		snap.Participants = append(snap.Participants, v1.ParticipantView{
			ID:       p.ParticipantID,
			Name:     p.Name,
			Status:   status,
			JoinedAt: env.TS,
		})
		return true, nil

	case v1.EventUserLeft:
		var p v1.UserLeftPayload
		if err := decode(env, &p); err != nil {
			return false, err
		}
		i := indexOf(snap.Participants, p.ParticipantID)
		if i < 0 {
			return false, nil
		}
		snap.Participants = append(snap.Participants[:i], snap.Participants[i+1:]...)
		return true, nil

	case v1.EventStatusChanged:
		var p v1.StatusChangedPayload
		if err := decode(env, &p); err != nil {
			return false, err
		}
		i := indexOf(snap.Participants, p.ParticipantID)
		if i < 0 {
			return false, nil
		}
		next := v1.StatusRank(p.Status)
		if next < 0 || next <= v1.StatusRank(snap.Participants[i].Status) {
			return false, nil
		}
		snap.Participants[i].Status = p.Status
		if snap.Status == sessionWaiting {
			snap.Status = sessionInProgress
		}
		return true, nil

	case v1.EventTimerStarted, v1.EventTimerStopped:
		running := env.Type == v1.EventTimerStarted
		if snap.TimerChangedAt != nil && !env.TS.After(*snap.TimerChangedAt) {
			return false, nil
		}
		ts := env.TS
		snap.TimerChangedAt = &ts
		snap.TimerRunning = running
		return true, nil
	}
	return false, nil
}

func decode(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("reconciler: decode %s: %w", env.Type, err)
	}
	return nil
}
