// Package admission gatekeeps session creation and joining: identity proof,
// input validation, expiry, the optional password and capacity are all
// checked here before the state machine touches the store.
//
// Join checks run in a fixed order: proof, input, load, expiry, password,
// name dedup, capacity. A same-name rejoin of a protected session therefore
// still needs the password.
//
// Create and join issue a participant token. Only the identity that first
// took a name can obtain a new token for it; the token, not the public
// participant id, authorizes every later session call.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"standup/cmd/identity/ids"
	"standup/cmd/internal/fault"
	"standup/cmd/internal/metrics"
	"standup/cmd/internal/session"
	"standup/cmd/security/password"
	"standup/cmd/security/token"
	v1 "standup/shared/contracts/realtime/v1"
)

// participantTokenBytes is the entropy of participant tokens.
const participantTokenBytes = 32

// CredentialVerifier resolves a possession-proof token to a verified identity.
type CredentialVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// PasswordHasher hashes and verifies session passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) bool
}

// CreateRequest is a validated-at-the-edge create call.
type CreateRequest struct {
	LeaderName    string
	Password      string
	IdentityProof string
}

// CreateResult is returned to the leader. LeaderToken authorizes the
// leader's later calls and is only ever returned here.
type CreateResult struct {
	SessionID   string
	LeaderID    string
	LeaderToken string
	ExpiresAt   time.Time
	Session     v1.SessionSnapshot
}

// JoinRequest is a join call. An empty Password means none was supplied.
type JoinRequest struct {
	SessionID     string
	Name          string
	Password      string
	IdentityProof string
}

// JoinResult carries the participant id and the roster after the join.
// ParticipantToken is empty when the name belongs to another identity.
type JoinResult struct {
	ParticipantID    string
	ParticipantToken string
	Created          bool
	Session          v1.SessionSnapshot
}

// Controller implements admission.
type Controller struct {
	sessions *session.Service
	creds    CredentialVerifier
	hasher   PasswordHasher
	ids      ids.Generator
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDs overrides the id generator.
func WithIDs(g ids.Generator) Option {
	return func(c *Controller) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithPasswordHasher overrides the default PBKDF2 configuration.
func WithPasswordHasher(h PasswordHasher) Option {
	return func(c *Controller) {
		if h != nil {
			c.hasher = h
		}
	}
}

// New wires a Controller.
func New(sessions *session.Service, creds CredentialVerifier, opts ...Option) (*Controller, error) {
	if sessions == nil {
		return nil, errors.New("admission: nil session service")
	}
	if creds == nil {
		return nil, errors.New("admission: nil credential verifier")
	}
	c := &Controller{
		sessions: sessions,
		creds:    creds,
		hasher:   password.DefaultConfig(),
		ids:      ids.Random{},
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// CreateSession verifies the proof, validates input and writes a new session
// with the leader as its only participant.
func (c *Controller) CreateSession(ctx context.Context, req CreateRequest) (CreateResult, error) {
	const op = "admission.create"

	identity, err := c.verifyProof(ctx, op, req.IdentityProof)
	if err != nil {
		return CreateResult{}, err
	}
	name, err := ValidateName(op, req.LeaderName)
	if err != nil {
		return CreateResult{}, err
	}

	hash := ""
	if req.Password != "" {
		if hash, err = c.hashPassword(op, req.Password); err != nil {
			return CreateResult{}, err
		}
	}

	sessionID, err := c.ids.NewID()
	if err != nil {
		return CreateResult{}, err
	}
	leaderID, err := c.ids.NewID()
	if err != nil {
		return CreateResult{}, err
	}

	tok, err := token.NewOpaque(participantTokenBytes)
	if err != nil {
		return CreateResult{}, err
	}
	hasher := c.sessions.TokenHasher()

	now := c.now()
	s := session.New(sessionID, leaderID, name, hash, now)
	s.BindToken(leaderID, hasher.Hash(identity), hasher.Hash(tok))
	if err := c.sessions.Repository().Create(ctx, s); err != nil {
		return CreateResult{}, err
	}

	c.metrics.SessionCreated()
	c.log.Info("session.create",
		slog.String("session_id", sessionID),
		slog.String("leader_id", leaderID),
		slog.String("identity", identity),
		slog.Bool("password", hash != ""),
	)

	return CreateResult{
		SessionID:   sessionID,
		LeaderID:    leaderID,
		LeaderToken: tok,
		ExpiresAt:   s.ExpiresAt,
		Session:     s.Snapshot(now),
	}, nil
}

// JoinSession admits a participant, or returns the existing one when the
// name is already on the roster.
func (c *Controller) JoinSession(ctx context.Context, req JoinRequest) (res JoinResult, err error) {
	const op = "admission.join"

	defer func() {
		switch {
		case err != nil:
			c.metrics.Join(fault.Code(err))
		case res.Created:
			c.metrics.Join("added")
		default:
			c.metrics.Join("existing")
		}
	}()

	identity, err := c.verifyProof(ctx, op, req.IdentityProof)
	if err != nil {
		return JoinResult{}, err
	}
	if err := session.CheckID(op, "session id", req.SessionID); err != nil {
		return JoinResult{}, err
	}
	name, err := ValidateName(op, req.Name)
	if err != nil {
		return JoinResult{}, err
	}

	current, _, err := c.sessions.Repository().Load(ctx, req.SessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if current.Expired(c.now()) {
		return JoinResult{}, fault.New(op, fault.ErrExpired, "session expired")
	}
	if current.Protected() {
		if req.Password == "" {
			return JoinResult{}, fault.New(op, fault.ErrPasswordRequired, "password required")
		}
		if !c.hasher.Verify(req.Password, current.PasswordHash) {
			return JoinResult{}, fault.New(op, fault.ErrInvalidPassword, "password mismatch")
		}
	}

	newID, err := c.ids.NewID()
	if err != nil {
		return JoinResult{}, err
	}
	tok, err := token.NewOpaque(participantTokenBytes)
	if err != nil {
		return JoinResult{}, err
	}
	hasher := c.sessions.TokenHasher()
	identityDigest, tokenDigest := hasher.Hash(identity), hasher.Hash(tok)

	var (
		joined  session.Participant
		outcome session.JoinOutcome
		events  []session.Event
		issued  bool
	)
	s, err := c.sessions.Repository().Mutate(ctx, req.SessionID, func(s *session.Session) (bool, error) {
		var err error
		joined, outcome, events, err = s.Join(newID, name, c.now())
		if err != nil {
			return false, err
		}
		issued = s.BindToken(joined.ID, identityDigest, tokenDigest)
		return outcome.Changed() || issued, nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	if !issued {
		tok = ""
	}

	c.sessions.Publish(ctx, req.SessionID, events)
	c.log.Info("session.join",
		slog.String("session_id", req.SessionID),
		slog.String("participant_id", joined.ID),
		slog.Bool("created", outcome == session.JoinAdded),
		slog.Bool("rejoined", outcome == session.JoinRejoined),
		slog.Bool("token_issued", issued),
	)

	return JoinResult{
		ParticipantID:    joined.ID,
		ParticipantToken: tok,
		Created:          outcome == session.JoinAdded,
		Session:          s.Snapshot(c.now()),
	}, nil
}

func (c *Controller) verifyProof(ctx context.Context, op, proof string) (string, error) {
	if proof == "" {
		return "", fault.New(op, fault.ErrUnauthenticated, "identity proof is required")
	}
	identity, err := c.creds.VerifyToken(ctx, proof)
	switch {
	case err == nil:
	case fault.KindOf(err) == nil, errors.Is(err, fault.ErrTransient):
		return "", err
	default:
		return "", fault.Wrap(op, fault.ErrUnauthenticated, err)
	}
	return identity, nil
}

func (c *Controller) hashPassword(op, pw string) (string, error) {
	hash, err := c.hasher.Hash(pw)
	switch {
	case err == nil:
		return hash, nil
	case errors.Is(err, password.ErrPasswordTooShort),
		errors.Is(err, password.ErrPasswordTooLong),
		errors.Is(err, password.ErrWeakPassword):
		return "", fault.New(op, fault.ErrValidation, err.Error())
	default:
		return "", err
	}
}
