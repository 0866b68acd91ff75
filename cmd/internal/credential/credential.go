// Package credential issues and checks the short-lived proof artifacts that
// gate session creation and joining: one-time email codes and the possession
// tokens they are exchanged for.
//
// Only digests are stored. Codes are single-use; tokens stay valid until
// their TTL so one verification can create or join several sessions.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/kv"
	"standup/cmd/internal/metrics"
	"standup/cmd/internal/retry"
	"standup/cmd/security/token"
)

// Mailer delivers the verification email.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Limits are the per-identity bounds and lifetimes.
type Limits struct {
	CodeTTL        time.Duration
	TokenTTL       time.Duration
	SendsPerWindow int
	SendWindow     time.Duration
	VerifyAttempts int
}

// DefaultLimits: 10 minute codes, 24 hour tokens, 5 sends per hour, 5 guesses per code.
func DefaultLimits() Limits {
	return Limits{
		CodeTTL:        10 * time.Minute,
		TokenTTL:       24 * time.Hour,
		SendsPerWindow: 5,
		SendWindow:     time.Hour,
		VerifyAttempts: 5,
	}
}

const (
	codeDigits = 6
	// codeGrace keeps an expired code record around long enough to answer
	// EXPIRED_CODE instead of INVALID_CODE.
	codeGrace = time.Hour
)

type codeRecord struct {
	Digest    string    `json:"digest"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used,omitempty"`
}

type sendWindow struct {
	Count int `json:"count"`
}

type tokenRecord struct {
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the credential store.
type Store struct {
	kv      kv.Store
	hasher  token.Hasher
	mailer  Mailer
	limits  Limits
	policy  retry.Policy
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLimits(l Limits) Option { return func(s *Store) { s.limits = l } }

func WithRetryPolicy(p retry.Policy) Option { return func(s *Store) { s.policy = p } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wires a Store over store. Digests are keyed with hasher.
func New(store kv.Store, hasher token.Hasher, mailer Mailer, opts ...Option) (*Store, error) {
	if store == nil {
		return nil, errors.New("credential: nil store")
	}
	if mailer == nil {
		return nil, errors.New("credential: nil mailer")
	}
	s := &Store{
		kv:     store,
		hasher: hasher,
		mailer: mailer,
		limits: DefaultLimits(),
		policy: retry.Default,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// NormalizeIdentity canonicalizes an email identity and rejects malformed input.
func NormalizeIdentity(op, raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > 254 {
		return "", fault.New(op, fault.ErrValidation, "a valid email address is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fault.New(op, fault.ErrValidation, "a valid email address is required")
	}
	return email, nil
}

// SendCode issues a fresh code for identity and emails it. The response is
// the same whether or not the identity was seen before.
func (s *Store) SendCode(ctx context.Context, identity string) error {
	const op = "credential.send_code"

	email, err := NormalizeIdentity(op, identity)
	if err != nil {
		return err
	}
	if err := s.countSend(ctx, op, email); err != nil {
		return err
	}

	code, err := newCode()
	if err != nil {
		return err
	}
	rec := codeRecord{
		Digest:    s.hasher.Hash(code),
		ExpiresAt: s.now().Add(s.limits.CodeTTL),
	}
	if err := s.put(ctx, op, s.codeKey(email), rec, s.limits.CodeTTL+codeGrace); err != nil {
		return err
	}

	body := fmt.Sprintf("Your standup verification code is %s. It expires in %d minutes.", code, int(s.limits.CodeTTL/time.Minute))
	err = retry.Run(ctx, s.policy, "credential.send_email", func(ctx context.Context) error {
		return s.mailer.SendEmail(ctx, email, "Your standup verification code", body)
	})
	if err != nil {
		s.metrics.UpstreamFailure("send_email")
		s.log.Error("credential.send_code.failed", slog.String("identity", s.hasher.Hash(email)), slog.Any("err", err))
		return err
	}

	s.metrics.CodeSent()
	s.log.Info("credential.send_code", slog.String("identity", s.hasher.Hash(email)))
	return nil
}

// Verify consumes a code and returns a possession token.
func (s *Store) Verify(ctx context.Context, identity, code string) (string, time.Time, error) {
	const op = "credential.verify"

	email, err := NormalizeIdentity(op, identity)
	if err != nil {
		return "", time.Time{}, err
	}
	code = strings.TrimSpace(code)
	if !wellFormedCode(code) {
		s.metrics.CodeVerification("invalid")
		return "", time.Time{}, fault.New(op, fault.ErrInvalidCode, "code must be 6 digits")
	}

	key := s.codeKey(email)
	var rec codeRecord
	entry, err := s.get(ctx, op, key, &rec)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		s.metrics.CodeVerification("invalid")
		return "", time.Time{}, fault.New(op, fault.ErrInvalidCode, "no pending code")
	case err != nil:
		return "", time.Time{}, err
	}

	now := s.now()
	switch {
	case rec.Used:
		s.metrics.CodeVerification("invalid")
		return "", time.Time{}, fault.New(op, fault.ErrInvalidCode, "code already used")
	case !now.Before(rec.ExpiresAt):
		s.metrics.CodeVerification("expired")
		return "", time.Time{}, fault.New(op, fault.ErrExpiredCode, "code expired")
	case rec.Attempts >= s.limits.VerifyAttempts:
		s.metrics.CodeVerification("rate_limited")
		return "", time.Time{}, fault.New(op, fault.ErrRateLimited, "too many attempts")
	}

	if !s.hasher.Equal(code, rec.Digest) {
		rec.Attempts++
		if _, err := s.swap(ctx, op, key, rec, entry.Version); err != nil && !errors.Is(err, kv.ErrVersionMismatch) {
			return "", time.Time{}, err
		}
		s.metrics.CodeVerification("invalid")
		return "", time.Time{}, fault.New(op, fault.ErrInvalidCode, "code mismatch")
	}

	// Mark used under the version we read so two concurrent verifies cannot both win.
	rec.Used = true
	if _, err := s.swap(ctx, op, key, rec, entry.Version); err != nil {
		if errors.Is(err, kv.ErrVersionMismatch) || errors.Is(err, kv.ErrNotFound) {
			s.metrics.CodeVerification("invalid")
			return "", time.Time{}, fault.New(op, fault.ErrInvalidCode, "code already used")
		}
		return "", time.Time{}, err
	}
	if err := s.delete(ctx, op, key); err != nil {
		s.log.Warn("credential.code_cleanup.failed", slog.Any("err", err))
	}

	tok, err := token.NewOpaque(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: token entropy: %w", op, err)
	}
	expires := now.Add(s.limits.TokenTTL)
	if err := s.put(ctx, op, s.tokenKey(tok), tokenRecord{Identity: email, ExpiresAt: expires}, s.limits.TokenTTL); err != nil {
		return "", time.Time{}, err
	}

	s.metrics.CodeVerification("ok")
	s.log.Info("credential.verify", slog.String("identity", s.hasher.Hash(email)))
	return tok, expires, nil
}

// VerifyToken resolves a possession token to its identity.
func (s *Store) VerifyToken(ctx context.Context, tok string) (string, error) {
	const op = "credential.verify_token"

	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > 256 {
		return "", fault.New(op, fault.ErrUnauthenticated, "missing token")
	}
	var rec tokenRecord
	_, err := s.get(ctx, op, s.tokenKey(tok), &rec)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return "", fault.New(op, fault.ErrUnauthenticated, "unknown or expired token")
	case err != nil:
		return "", err
	}
	if !s.now().Before(rec.ExpiresAt) {
		return "", fault.New(op, fault.ErrUnauthenticated, "token expired")
	}
	return rec.Identity, nil
}

func (s *Store) countSend(ctx context.Context, op, email string) error {
	key := s.sendKey(email)
	for attempt := 0; attempt < 5; attempt++ {
		var w sendWindow
		entry, err := s.get(ctx, op, key, &w)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			raw, _ := json.Marshal(sendWindow{Count: 1})
			_, err := retry.Do(ctx, s.policy, op, func(ctx context.Context) (kv.Entry, error) {
				return s.kv.Create(ctx, key, raw, s.limits.SendWindow)
			})
			if errors.Is(err, kv.ErrExists) {
				continue
			}
			return err
		case err != nil:
			return err
		}

		if w.Count >= s.limits.SendsPerWindow {
			return fault.New(op, fault.ErrRateLimited, "too many codes requested")
		}
		w.Count++
		if _, err := s.swap(ctx, op, key, w, entry.Version); err != nil {
			if errors.Is(err, kv.ErrVersionMismatch) || errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return err
		}
		return nil
	}
	return fault.New(op, fault.ErrConflict, "too many concurrent requests")
}

func (s *Store) codeKey(email string) string { return "code:" + s.hasher.Hash(email) }
func (s *Store) sendKey(email string) string { return "sends:" + s.hasher.Hash(email) }
func (s *Store) tokenKey(tok string) string { return "token:" + s.hasher.Hash(tok) }

// get decodes key into dst. kv.ErrNotFound passes through unwrapped.
func (s *Store) get(ctx context.Context, op, key string, dst any) (kv.Entry, error) {
	entry, err := retry.Do(ctx, s.policy, op, func(ctx context.Context) (kv.Entry, error) {
		e, err := s.kv.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			return e, fault.Wrap(op, fault.ErrNotFound, err)
		}
		return e, err
	})
	if errors.Is(err, fault.ErrNotFound) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, err
	}
	if err := json.Unmarshal(entry.Value, dst); err != nil {
		return kv.Entry{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	return entry, nil
}

func (s *Store) put(ctx context.Context, op, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = retry.Do(ctx, s.policy, op, func(ctx context.Context) (kv.Entry, error) {
		return s.kv.Put(ctx, key, raw, ttl)
	})
	return err
}

// swap is a compare-and-swap; kv.ErrVersionMismatch and kv.ErrNotFound pass through.
func (s *Store) swap(ctx context.Context, op, key string, v any, version int64) (kv.Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return kv.Entry{}, err
	}
	entry, err := retry.Do(ctx, s.policy, op, func(ctx context.Context) (kv.Entry, error) {
		e, err := s.kv.Swap(ctx, key, raw, version)
		switch {
		case errors.Is(err, kv.ErrVersionMismatch):
			return e, fault.Wrap(op, fault.ErrConflict, err)
		case errors.Is(err, kv.ErrNotFound):
			return e, fault.Wrap(op, fault.ErrNotFound, err)
		}
		return e, err
	})
	switch {
	case errors.Is(err, kv.ErrVersionMismatch):
		return kv.Entry{}, kv.ErrVersionMismatch
	case errors.Is(err, kv.ErrNotFound):
		return kv.Entry{}, kv.ErrNotFound
	}
	return entry, err
}

func (s *Store) delete(ctx context.Context, op, key string) error {
	return retry.Run(ctx, s.policy, op, func(ctx context.Context) error {
		return s.kv.Delete(ctx, key)
	})
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("credential: code entropy: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func wellFormedCode(code string) bool {
	if len(code) != codeDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
