package api

import (
	"strings"
	"time"

	"standup/cmd/internal/fault"
	v1 "standup/shared/contracts/realtime/v1"
)

// Request bodies. validate() turns shape problems into VALIDATION before any
// core logic runs; semantic checks (name sanitizing, password policy) stay
// in the core.

type sendCodeRequest struct {
	Email string `json:"email"`
}

func (r sendCodeRequest) validate(op string) error {
	if strings.TrimSpace(r.Email) == "" {
		return fault.New(op, fault.ErrValidation, "email is required")
	}
	return nil
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (r verifyCodeRequest) validate(op string) error {
	if strings.TrimSpace(r.Email) == "" || strings.TrimSpace(r.Code) == "" {
		return fault.New(op, fault.ErrValidation, "email and code are required")
	}
	return nil
}

type createSessionRequest struct {
	LeaderName string  `json:"leader_name"`
	Password   *string `json:"password"`
}

func (r createSessionRequest) validate(op string) error {
	if strings.TrimSpace(r.LeaderName) == "" {
		return fault.New(op, fault.ErrValidation, "leader_name is required")
	}
	if r.Password != nil && *r.Password == "" {
		return fault.New(op, fault.ErrValidation, "password must not be empty; omit it for an open session")
	}
	return nil
}

type joinSessionRequest struct {
	Name     string  `json:"name"`
	Password *string `json:"password"`
}

func (r joinSessionRequest) validate(op string) error {
	if strings.TrimSpace(r.Name) == "" {
		return fault.New(op, fault.ErrValidation, "name is required")
	}
	return nil
}

type statusRequest struct {
	Status string `json:"status"`
}

func (r statusRequest) validate(op string) error {
	if v1.StatusRank(r.Status) < 0 {
		return fault.Newf(op, fault.ErrValidation, "unknown status %q", r.Status)
	}
	return nil
}

type transcriptRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (r transcriptRequest) validate(op string) error {
	if strings.TrimSpace(r.Text) == "" {
		return fault.New(op, fault.ErrValidation, "text is required")
	}
	return nil
}

type timerRequest struct {
	Action string `json:"action"`
}

func (r timerRequest) validate(op string) error {
	switch r.Action {
	case "start", "stop":
		return nil
	}
	return fault.New(op, fault.ErrValidation, `action must be "start" or "stop"`)
}

type summaryRequest struct {
	Text string `json:"text"`
}

func (r summaryRequest) validate(op string) error {
	if strings.TrimSpace(r.Text) == "" {
		return fault.New(op, fault.ErrValidation, "text is required")
	}
	return nil
}

// Responses.

type sendCodeResponse struct {
	Status string `json:"status"`
}

type verifyCodeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ParticipantToken appears only in these two responses; it is the sole
// credential for later session calls.
type createSessionResponse struct {
	SessionID        string             `json:"session_id"`
	LeaderID         string             `json:"leader_id"`
	ParticipantToken string             `json:"participant_token"`
	ExpiresAt        time.Time          `json:"expires_at"`
	Session          v1.SessionSnapshot `json:"session"`
}

type joinSessionResponse struct {
	ParticipantID    string             `json:"participant_id"`
	ParticipantToken string             `json:"participant_token,omitempty"`
	Created          bool               `json:"created"`
	Session          v1.SessionSnapshot `json:"session"`
}
