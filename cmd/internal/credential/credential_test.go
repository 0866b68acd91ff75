package credential

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/kv"
	"standup/cmd/internal/retry"
	"standup/cmd/security/token"
)

var codeRE = regexp.MustCompile(`\b(\d{6})\b`)

type inbox struct {
	mu   sync.Mutex
	fail error
	sent map[string][]string
}

func (m *inbox) SendEmail(_ context.Context, to, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.sent == nil {
		m.sent = make(map[string][]string)
	}
	m.sent[to] = append(m.sent[to], body)
	return nil
}

func (m *inbox) lastCode(t *testing.T, to string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	bodies := m.sent[to]
	if len(bodies) == 0 {
		t.Fatalf("no email sent to %s", to)
	}
	match := codeRE.FindStringSubmatch(bodies[len(bodies)-1])
	if match == nil {
		t.Fatalf("no code in email %q", bodies[len(bodies)-1])
	}
	return match[1]
}

type fixture struct {
	store *Store
	mail  *inbox
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mail := &inbox{}
	s, err := New(kv.NewMemoryStore(kv.WithClock(clock)), token.NewHasher([]byte("0123456789abcdef0123456789abcdef")), mail,
		WithClock(clock),
		WithRetryPolicy(retry.Immediate),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return &fixture{store: s, mail: mail, now: &now}
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestSendVerifyAndToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SendCode(ctx, "  Alice@Example.com "); err != nil {
		t.Fatalf("send: %v", err)
	}
	code := f.mail.lastCode(t, "alice@example.com")

	tok, expires, err := f.store.Verify(ctx, "alice@example.com", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tok == "" || !expires.Equal(f.now.Add(24*time.Hour)) {
		t.Fatalf("unexpected token %q expiring %v", tok, expires)
	}

	id, err := f.store.VerifyToken(ctx, tok)
	if err != nil || id != "alice@example.com" {
		t.Fatalf("verify token: id=%q err=%v", id, err)
	}
	// Tokens are reusable until they expire.
	if _, err := f.store.VerifyToken(ctx, tok); err != nil {
		t.Fatalf("second use of token: %v", err)
	}

	if _, _, err := f.store.Verify(ctx, "alice@example.com", code); !errors.Is(err, fault.ErrInvalidCode) {
		t.Fatalf("code reuse: expected INVALID_CODE, got %v", err)
	}

	*f.now = f.now.Add(24 * time.Hour)
	if _, err := f.store.VerifyToken(ctx, tok); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("expired token: expected UNAUTHENTICATED, got %v", err)
	}
}

func TestVerify_WrongCodeThenRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SendCode(ctx, "bob@example.com"); err != nil {
		t.Fatalf("send: %v", err)
	}
	code := f.mail.lastCode(t, "bob@example.com")
	bad := wrongCode(code)

	for i := 0; i < DefaultLimits().VerifyAttempts; i++ {
		if _, _, err := f.store.Verify(ctx, "bob@example.com", bad); !errors.Is(err, fault.ErrInvalidCode) {
			t.Fatalf("attempt %d: expected INVALID_CODE, got %v", i, err)
		}
	}
	if _, _, err := f.store.Verify(ctx, "bob@example.com", code); !errors.Is(err, fault.ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED after too many attempts, got %v", err)
	}
}

func TestVerify_ExpiredCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SendCode(ctx, "carol@example.com"); err != nil {
		t.Fatalf("send: %v", err)
	}
	code := f.mail.lastCode(t, "carol@example.com")

	*f.now = f.now.Add(DefaultLimits().CodeTTL)
	if _, _, err := f.store.Verify(ctx, "carol@example.com", code); !errors.Is(err, fault.ErrExpiredCode) {
		t.Fatalf("expected EXPIRED_CODE, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.store.Verify(ctx, "dan@example.com", "12ab56"); !errors.Is(err, fault.ErrInvalidCode) {
		t.Fatalf("malformed code: expected INVALID_CODE, got %v", err)
	}
	if _, _, err := f.store.Verify(ctx, "dan@example.com", "123456"); !errors.Is(err, fault.ErrInvalidCode) {
		t.Fatalf("no pending code: expected INVALID_CODE, got %v", err)
	}
	if _, _, err := f.store.Verify(ctx, "not-an-email", "123456"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("bad identity: expected VALIDATION, got %v", err)
	}
	if _, err := f.store.VerifyToken(ctx, ""); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("empty token: expected UNAUTHENTICATED, got %v", err)
	}
	if _, err := f.store.VerifyToken(ctx, "forged"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("forged token: expected UNAUTHENTICATED, got %v", err)
	}
}

func TestSendCode_RateLimitPerWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	limit := DefaultLimits().SendsPerWindow

	for i := 0; i < limit; i++ {
		if err := f.store.SendCode(ctx, "erin@example.com"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := f.store.SendCode(ctx, "erin@example.com"); !errors.Is(err, fault.ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if err := f.store.SendCode(ctx, "frank@example.com"); err != nil {
		t.Fatalf("other identities are unaffected: %v", err)
	}

	*f.now = f.now.Add(time.Hour)
	if err := f.store.SendCode(ctx, "erin@example.com"); err != nil {
		t.Fatalf("send after window: %v", err)
	}
}

func TestSendCode_NewCodeReplacesOld(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SendCode(ctx, "gina@example.com"); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := f.mail.lastCode(t, "gina@example.com")
	if err := f.store.SendCode(ctx, "gina@example.com"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	second := f.mail.lastCode(t, "gina@example.com")

	if first != second {
		if _, _, err := f.store.Verify(ctx, "gina@example.com", first); !errors.Is(err, fault.ErrInvalidCode) {
			t.Fatalf("superseded code: expected INVALID_CODE, got %v", err)
		}
	}
	if _, _, err := f.store.Verify(ctx, "gina@example.com", second); err != nil {
		t.Fatalf("latest code: %v", err)
	}
}

func TestSendCode_MailerFailureIsTransient(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mail.fail = errors.New("smtp: connection refused")

	err := f.store.SendCode(context.Background(), "hank@example.com")
	if !errors.Is(err, fault.ErrTransient) {
		t.Fatalf("expected TRANSIENT_UPSTREAM, got %v", err)
	}
	if fault.UserMessage(err) != fault.GenericMessage {
		t.Fatalf("internal cause leaked: %q", fault.UserMessage(err))
	}
}
