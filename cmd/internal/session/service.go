package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/metrics"
	"standup/cmd/security/token"
	v1 "standup/shared/contracts/realtime/v1"
)

// Publisher fans events out to a session's subscribers. Implementations
// must not block the caller and never report delivery failures.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) {}

// Service applies state-machine transitions to stored sessions and publishes
// the resulting events once the write succeeded.
type Service struct {
	repo    *Repository
	pub     Publisher
	tokens  token.Hasher
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTokenHasher sets how participant tokens and identities are digested.
// The zero Hasher (plain SHA-256) is the default.
func WithTokenHasher(h token.Hasher) Option {
	return func(s *Service) { s.tokens = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service. A nil publisher discards events.
func NewService(repo *Repository, pub Publisher, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("session: nil repository")
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	s := &Service{
		repo: repo,
		pub:  pub,
		log:  slog.Default(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Repository exposes the underlying repository to admission.
func (s *Service) Repository() *Repository { return s.repo }

// TokenHasher returns the hasher participant tokens are stored under.
func (s *Service) TokenHasher() token.Hasher { return s.tokens }

// Publish forwards events for sessionID to the publisher.
func (s *Service) Publish(ctx context.Context, sessionID string, events []Event) {
	for _, ev := range events {
		s.pub.Publish(ctx, sessionID, ev.Type, ev.Payload)
		s.metrics.EventPublished(ev.Type)
	}
}

// Get returns the session snapshot. Sessions past expiry report EXPIRED.
func (s *Service) Get(ctx context.Context, sessionID string) (v1.SessionSnapshot, error) {
	if err := CheckID("session.get", "session id", sessionID); err != nil {
		return v1.SessionSnapshot{}, err
	}
	sess, _, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	now := s.now()
	if sess.Expired(now) {
		return v1.SessionSnapshot{}, fault.New("session.get", fault.ErrExpired, "session expired")
	}
	return sess.Snapshot(now), nil
}

// Authorize resolves a participant token issued for sessionID to the
// participant holding it, and returns the snapshot it was checked against.
func (s *Service) Authorize(ctx context.Context, sessionID, tok string) (v1.SessionSnapshot, string, error) {
	const op = "session.authorize"
	if err := CheckID(op, "session id", sessionID); err != nil {
		return v1.SessionSnapshot{}, "", err
	}
	if strings.TrimSpace(tok) == "" {
		return v1.SessionSnapshot{}, "", fault.New(op, fault.ErrUnauthenticated, "participant token is required")
	}
	sess, _, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return v1.SessionSnapshot{}, "", err
	}
	now := s.now()
	if sess.Expired(now) {
		return v1.SessionSnapshot{}, "", fault.New(op, fault.ErrExpired, "session expired")
	}
	p, ok := sess.TokenHolder(s.tokens.Hash(tok))
	if !ok {
		return v1.SessionSnapshot{}, "", fault.New(op, fault.ErrUnauthenticated, "participant token is not valid for this session")
	}
	return sess.Snapshot(now), p.ID, nil
}

// Authenticate is Authorize without the snapshot.
func (s *Service) Authenticate(ctx context.Context, sessionID, tok string) (string, error) {
	_, id, err := s.Authorize(ctx, sessionID, tok)
	return id, err
}

// Transcripts returns the done participants' transcripts in join order.
func (s *Service) Transcripts(ctx context.Context, sessionID string) ([]string, string, error) {
	snap, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	var (
		out  []string
		lang string
	)
	for _, p := range snap.Participants {
		if p.Transcript == "" {
			continue
		}
		out = append(out, p.Transcript)
		if lang == "" {
			lang = p.TranscriptLanguage
		}
	}
	return out, lang, nil
}

// UpdateParticipantStatus advances a participant by one rung.
func (s *Service) UpdateParticipantStatus(ctx context.Context, sessionID, participantID string, next ParticipantStatus) (v1.SessionSnapshot, error) {
	const op = "session.update_status"
	if err := validIDs(op, sessionID, participantID); err != nil {
		return v1.SessionSnapshot{}, err
	}

	var events []Event
	sess, err := s.repo.Mutate(ctx, sessionID, func(sess *Session) (bool, error) {
		changed, evs, err := sess.AdvanceParticipant(participantID, next)
		events = evs
		return changed, err
	})
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	if len(events) > 0 {
		s.metrics.StatusTransition(string(next))
		s.log.Info("session.status",
			slog.String("session_id", sessionID),
			slog.String("participant_id", participantID),
			slog.String("status", string(next)),
		)
	}
	s.Publish(ctx, sessionID, events)
	return sess.Snapshot(s.now()), nil
}

// AttachTranscript stores a participant's transcript.
func (s *Service) AttachTranscript(ctx context.Context, sessionID, participantID, text, language string) (v1.SessionSnapshot, error) {
	const op = "session.attach_transcript"
	if err := validIDs(op, sessionID, participantID); err != nil {
		return v1.SessionSnapshot{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return v1.SessionSnapshot{}, fault.New(op, fault.ErrValidation, "transcript text is required")
	}
	language = strings.TrimSpace(language)

	var events []Event
	sess, err := s.repo.Mutate(ctx, sessionID, func(sess *Session) (bool, error) {
		changed, evs, err := sess.AttachTranscript(participantID, text, language)
		events = evs
		return changed, err
	})
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	if len(events) > 0 {
		s.metrics.StatusTransition(string(ParticipantDone))
	}
	s.log.Info("session.transcript",
		slog.String("session_id", sessionID),
		slog.String("participant_id", participantID),
		slog.String("language", language),
		slog.Int("chars", len(text)),
	)
	s.Publish(ctx, sessionID, events)
	return sess.Snapshot(s.now()), nil
}

// SetSummary finalizes the session with text.
func (s *Service) SetSummary(ctx context.Context, sessionID, text string) (v1.SessionSnapshot, error) {
	const op = "session.set_summary"
	if err := CheckID(op, "session id", sessionID); err != nil {
		return v1.SessionSnapshot{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return v1.SessionSnapshot{}, fault.New(op, fault.ErrValidation, "summary text is required")
	}

	sess, err := s.repo.Mutate(ctx, sessionID, func(sess *Session) (bool, error) {
		return sess.SetSummary(text)
	})
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	s.log.Info("session.summary", slog.String("session_id", sessionID))
	return sess.Snapshot(s.now()), nil
}

// StartTimer starts the session timer on behalf of the leader.
func (s *Service) StartTimer(ctx context.Context, sessionID, actorID string) (v1.SessionSnapshot, error) {
	return s.timer(ctx, "session.start_timer", sessionID, actorID, (*Session).StartTimer)
}

// StopTimer stops the session timer on behalf of the leader.
func (s *Service) StopTimer(ctx context.Context, sessionID, actorID string) (v1.SessionSnapshot, error) {
	return s.timer(ctx, "session.stop_timer", sessionID, actorID, (*Session).StopTimer)
}

func (s *Service) timer(ctx context.Context, op, sessionID, actorID string, apply func(*Session, string, time.Time) (bool, []Event, error)) (v1.SessionSnapshot, error) {
	if err := validIDs(op, sessionID, actorID); err != nil {
		return v1.SessionSnapshot{}, err
	}

	var events []Event
	sess, err := s.repo.Mutate(ctx, sessionID, func(sess *Session) (bool, error) {
		changed, evs, err := apply(sess, actorID, s.now())
		events = evs
		return changed, err
	})
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	if len(events) > 0 {
		s.log.Info(op, slog.String("session_id", sessionID))
	}
	s.Publish(ctx, sessionID, events)
	return sess.Snapshot(s.now()), nil
}

// Leave marks a non-leader participant as gone and tells the others.
func (s *Service) Leave(ctx context.Context, sessionID, participantID string) error {
	const op = "session.leave"
	if err := validIDs(op, sessionID, participantID); err != nil {
		return err
	}

	var events []Event
	_, err := s.repo.Mutate(ctx, sessionID, func(sess *Session) (bool, error) {
		changed, evs, err := sess.Leave(participantID, s.now())
		events = evs
		return changed, err
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		s.log.Info("session.leave",
			slog.String("session_id", sessionID),
			slog.String("participant_id", participantID),
		)
	}
	s.Publish(ctx, sessionID, events)
	return nil
}

// Delete ends the session early. Only the leader may do this.
func (s *Service) Delete(ctx context.Context, sessionID, actorID string) error {
	const op = "session.delete"
	if err := validIDs(op, sessionID, actorID); err != nil {
		return err
	}

	sess, _, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := sess.requireLeader(op, actorID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.log.Info("session.delete", slog.String("session_id", sessionID))
	s.Publish(ctx, sessionID, []Event{{Type: v1.EventSessionEnded, Payload: v1.SessionEndedPayload{Reason: "deleted"}}})
	return nil
}

func validIDs(op, sessionID, participantID string) error {
	if err := CheckID(op, "session id", sessionID); err != nil {
		return err
	}
	return CheckID(op, "participant id", participantID)
}

// CheckID rejects empty or oversized identifiers with VALIDATION.
func CheckID(op, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fault.Newf(op, fault.ErrValidation, "%s is required", field)
	}
	if len(v) > 128 {
		return fault.Newf(op, fault.ErrValidation, "%s is too long", field)
	}
	return nil
}
