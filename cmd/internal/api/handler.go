// Package api exposes admission, the session state machine and the
// credential flow over HTTP JSON.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"standup/cmd/internal/admission"
	"standup/cmd/internal/collab"
	"standup/cmd/internal/credential"
	"standup/cmd/internal/fault"
	"standup/cmd/internal/retry"
	"standup/cmd/internal/session"
	v1 "standup/shared/contracts/realtime/v1"
)

// ParticipantTokenHeader carries the participant token issued at create or
// join. Participant ids are public; only the token authorizes session calls.
const ParticipantTokenHeader = "X-Participant-Token"

// Handler wires HTTP endpoints to the core services.
type Handler struct {
	log *slog.Logger
	cfg Config

	admission   *admission.Controller
	sessions    *session.Service
	credentials *credential.Store

	transcriber collab.Transcriber
	summarizer  collab.Summarizer
	policy      retry.Policy
	throttle    *Throttle
}

// HandlerOption configures optional dependencies.
type HandlerOption func(*Handler)

// WithTranscriber enables POST .../audio.
func WithTranscriber(t collab.Transcriber) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.transcriber = t
		}
	}
}

// WithSummarizer enables POST .../summarize.
func WithSummarizer(s collab.Summarizer) HandlerOption {
	return func(h *Handler) {
		if s != nil {
			h.summarizer = s
		}
	}
}

func WithRetryPolicy(p retry.Policy) HandlerOption {
	return func(h *Handler) { h.policy = p }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, adm *admission.Controller, sessions *session.Service, creds *credential.Store, opts ...HandlerOption) (*Handler, error) {
	if adm == nil || sessions == nil || creds == nil {
		return nil, errors.New("api: admission, sessions and credentials are required")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:         log,
		cfg:         cfg.withDefaults(),
		admission:   adm,
		sessions:    sessions,
		credentials: creds,
		transcriber: collab.Disabled{},
		summarizer:  collab.Disabled{},
		policy:      retry.Default,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/codes", h.handleSendCode)
	mux.HandleFunc("POST /auth/codes/verify", h.handleVerifyCode)

	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/join", h.handleJoinSession)
	mux.HandleFunc("POST /sessions/{id}/timer", h.handleTimer)
	mux.HandleFunc("POST /sessions/{id}/summary", h.handleSetSummary)
	mux.HandleFunc("POST /sessions/{id}/summarize", h.handleSummarize)

	mux.HandleFunc("POST /sessions/{id}/participants/{pid}/status", h.handleStatus)
	mux.HandleFunc("POST /sessions/{id}/participants/{pid}/transcript", h.handleTranscript)
	mux.HandleFunc("POST /sessions/{id}/participants/{pid}/audio", h.handleAudio)
	mux.HandleFunc("POST /sessions/{id}/participants/{pid}/leave", h.handleLeave)
}

// ---- credentials ----

func (h *Handler) handleSendCode(w http.ResponseWriter, r *http.Request) {
	const op = "api.send_code"

	var req sendCodeRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	if err := h.credentials.SendCode(r.Context(), req.Email); err != nil {
		h.log.Info("auth.code.send.rejected", "ip", ipString(clientIP(r, h.cfg.TrustProxy)), "code", fault.Code(err))
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendCodeResponse{Status: "sent"})
}

func (h *Handler) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	const op = "api.verify_code"

	var req verifyCodeRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	tok, exp, err := h.credentials.Verify(r.Context(), req.Email, req.Code)
	if err != nil {
		h.log.Info("auth.code.verify.rejected", "ip", ipString(clientIP(r, h.cfg.TrustProxy)), "code", fault.Code(err))
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyCodeResponse{Token: tok, ExpiresAt: exp})
}

// ---- admission ----

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_session"

	var req createSessionRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	res, err := h.admission.CreateSession(r.Context(), admission.CreateRequest{
		LeaderName:    req.LeaderName,
		Password:      deref(req.Password),
		IdentityProof: bearerToken(r),
	})
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:        res.SessionID,
		LeaderID:         res.LeaderID,
		ParticipantToken: res.LeaderToken,
		ExpiresAt:        res.ExpiresAt,
		Session:          res.Session,
	})
}

func (h *Handler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.join_session"

	var req joinSessionRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	sessionID := r.PathValue("id")
	ip := clientIP(r, h.cfg.TrustProxy)
	if wait, err := h.throttle.check(r.Context(), op, ip, sessionID); err != nil {
		if fault.Is(err, fault.ErrRateLimited) {
			writeRateLimited(w, h.log, op, wait, err)
			return
		}
		writeFault(w, h.log, op, err)
		return
	}

	res, err := h.admission.JoinSession(r.Context(), admission.JoinRequest{
		SessionID:     sessionID,
		Name:          req.Name,
		Password:      deref(req.Password),
		IdentityProof: bearerToken(r),
	})
	if err != nil {
		if fault.Is(err, fault.ErrInvalidPassword) {
			if ferr := h.throttle.fail(r.Context(), ip, sessionID); ferr != nil {
				h.log.Warn(op+".throttle.fail", "err", ferr)
			}
		}
		writeFault(w, h.log, op, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, joinSessionResponse{
		ParticipantID:    res.ParticipantID,
		ParticipantToken: res.ParticipantToken,
		Created:          res.Created,
		Session:          res.Session,
	})
}

// ---- session reads and leader actions ----

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"

	snap, _, err := h.caller(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.delete_session"

	_, actor, err := h.caller(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	if err := h.sessions.Delete(r.Context(), r.PathValue("id"), actor); err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTimer(w http.ResponseWriter, r *http.Request) {
	const op = "api.timer"

	var req timerRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	_, actor, err := h.caller(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}

	var snap v1.SessionSnapshot
	if req.Action == "start" {
		snap, err = h.sessions.StartTimer(r.Context(), r.PathValue("id"), actor)
	} else {
		snap, err = h.sessions.StopTimer(r.Context(), r.PathValue("id"), actor)
	}
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleSetSummary(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_summary"

	var req summaryRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	if _, err := h.leader(r, op); err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	snap, err := h.sessions.SetSummary(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSummarize sends the collected transcripts to the summarizer and
// stores the result as the session summary.
func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	const op = "api.summarize"

	if _, err := h.leader(r, op); err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	sessionID := r.PathValue("id")
	transcripts, lang, err := h.sessions.Transcripts(r.Context(), sessionID)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	if len(transcripts) == 0 {
		writeFault(w, h.log, op, fault.New(op, fault.ErrValidation, "no transcripts to summarize yet"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.UpstreamTimeout)
	defer cancel()
	summary, err := retry.Do(ctx, h.policy, "collab.summarize", func(ctx context.Context) (collab.Summary, error) {
		return h.summarizer.Summarize(ctx, transcripts, lang)
	})
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}

	snap, err := h.sessions.SetSummary(r.Context(), sessionID, summary.Text())
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---- participant actions ----

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	const op = "api.update_status"

	var req statusRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	pid, err := h.self(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	snap, err := h.sessions.UpdateParticipantStatus(r.Context(), r.PathValue("id"), pid, session.ParticipantStatus(req.Status))
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	const op = "api.attach_transcript"

	var req transcriptRequest
	if !h.decode(w, r, op, &req) {
		return
	}
	pid, err := h.self(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	snap, err := h.sessions.AttachTranscript(r.Context(), r.PathValue("id"), pid, req.Text, req.Language)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAudio transcribes the raw request body and attaches the result.
// The participant must already be transcribing.
func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	const op = "api.audio"

	pid, err := h.self(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxAudioBytes))
	if err != nil {
		writeFault(w, h.log, op, fault.New(op, fault.ErrValidation, "audio body is too large or unreadable"))
		return
	}
	if len(audio) == 0 {
		writeFault(w, h.log, op, fault.New(op, fault.ErrValidation, "audio body is empty"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.UpstreamTimeout)
	defer cancel()
	tr, err := retry.Do(ctx, h.policy, "collab.transcribe", func(ctx context.Context) (collab.Transcript, error) {
		return h.transcriber.Transcribe(ctx, audio, r.Header.Get("Content-Type"))
	})
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}

	snap, err := h.sessions.AttachTranscript(r.Context(), r.PathValue("id"), pid, tr.Text, tr.Language)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	const op = "api.leave"

	pid, err := h.self(r, op)
	if err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	if err := h.sessions.Leave(r.Context(), r.PathValue("id"), pid); err != nil {
		writeFault(w, h.log, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- caller resolution ----

// caller resolves the participant token to the participant it was issued to.
func (h *Handler) caller(r *http.Request, op string) (v1.SessionSnapshot, string, error) {
	tok := strings.TrimSpace(r.Header.Get(ParticipantTokenHeader))
	if tok == "" {
		return v1.SessionSnapshot{}, "", fault.New(op, fault.ErrUnauthenticated, "participant token is required")
	}
	return h.sessions.Authorize(r.Context(), r.PathValue("id"), tok)
}

func (h *Handler) leader(r *http.Request, op string) (v1.SessionSnapshot, error) {
	snap, actor, err := h.caller(r, op)
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	if actor != snap.LeaderID {
		return v1.SessionSnapshot{}, fault.New(op, fault.ErrForbidden, "only the session leader can do that")
	}
	return snap, nil
}

// self authorizes an action on the {pid} participant. Only the holder of
// that participant's token passes, the leader included.
func (h *Handler) self(r *http.Request, op string) (string, error) {
	_, actor, err := h.caller(r, op)
	if err != nil {
		return "", err
	}
	if actor != r.PathValue("pid") {
		return "", fault.New(op, fault.ErrForbidden, "participants can only act for themselves")
	}
	return actor, nil
}

// ---- helpers ----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, dst interface{ validate(string) error }) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, fault.ErrValidation.Error(), "invalid request body")
		return false
	}
	if err := dst.validate(op); err != nil {
		writeFault(w, h.log, op, err)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return ""
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
