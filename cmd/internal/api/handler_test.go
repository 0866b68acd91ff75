package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"standup/cmd/internal/admission"
	"standup/cmd/internal/collab"
	"standup/cmd/internal/credential"
	"standup/cmd/internal/fault"
	"standup/cmd/internal/kv"
	"standup/cmd/internal/retry"
	"standup/cmd/internal/session"
	"standup/cmd/security/password"
	"standup/cmd/security/token"
	v1 "standup/shared/contracts/realtime/v1"
)

var codeRE = regexp.MustCompile(`\b(\d{6})\b`)

type inbox struct {
	mu   sync.Mutex
	last map[string]string
}

func (m *inbox) SendEmail(_ context.Context, to, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = make(map[string]string)
	}
	m.last[to] = body
	return nil
}

func (m *inbox) code(t *testing.T, to string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	match := codeRE.FindStringSubmatch(m.last[to])
	if match == nil {
		t.Fatalf("no code mailed to %s", to)
	}
	return match[1]
}

type fakeTranscriber struct {
	failures int
	calls    int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (collab.Transcript, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return collab.Transcript{}, errors.New("upstream 502")
	}
	return collab.Transcript{Text: "heard " + string(audio), Language: "en"}, nil
}

type fakeSummarizer struct{ got []string }

func (f *fakeSummarizer) Summarize(_ context.Context, transcripts []string, _ string) (collab.Summary, error) {
	f.got = transcripts
	return collab.Summary{Sections: []collab.Section{{Title: "Done", Body: strings.Join(transcripts, "; ")}}}, nil
}

type testServer struct {
	*httptest.Server
	mail   *inbox
	tr     *fakeTranscriber
	sum    *fakeSummarizer
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemoryStore()
	repo, err := session.NewRepository(store, session.WithRetryPolicy(retry.Immediate))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	svc, err := session.NewService(repo, session.NopPublisher{}, session.WithLogger(log))
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	mail := &inbox{}
	creds, err := credential.New(store, token.NewHasher([]byte("0123456789abcdef0123456789abcdef")), mail,
		credential.WithRetryPolicy(retry.Immediate),
		credential.WithLogger(log),
	)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	pw := password.DefaultConfig()
	pw.Params.Iterations = password.MinIterations
	adm, err := admission.New(svc, creds, admission.WithLogger(log), admission.WithPasswordHasher(pw))
	if err != nil {
		t.Fatalf("admission: %v", err)
	}

	tr := &fakeTranscriber{}
	sum := &fakeSummarizer{}
	h, err := NewHandler(log, Config{}, adm, svc, creds,
		WithTranscriber(tr),
		WithSummarizer(sum),
		WithRetryPolicy(retry.Immediate),
		WithThrottle(NewThrottle(store, 3, time.Minute)),
	)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, mail: mail, tr: tr, sum: sum, client: ts.Client()}
}

type call struct {
	method string
	path   string
	body   any
	raw    []byte
	bearer string
	token  string
}

func (s *testServer) do(t *testing.T, c call) (int, []byte) {
	t.Helper()

	var body io.Reader
	switch {
	case c.raw != nil:
		body = bytes.NewReader(c.raw)
	case c.body != nil:
		b, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(c.method, s.URL+c.path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.token != "" {
		req.Header.Set(ParticipantTokenHeader, c.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", c.method, c.path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func decodeInto[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func expectError(t *testing.T, status int, body []byte, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status=%d, want %d (body %s)", status, wantStatus, body)
	}
	e := decodeInto[errorResponse](t, body)
	if e.Error.Code != wantCode {
		t.Fatalf("code=%q, want %q", e.Error.Code, wantCode)
	}
	if strings.TrimSpace(e.Error.Message) == "" {
		t.Fatalf("empty error message")
	}
}

// verified runs the email code flow and returns a possession token.
func (s *testServer) verified(t *testing.T, email string) string {
	t.Helper()
	status, body := s.do(t, call{method: "POST", path: "/auth/codes", body: sendCodeRequest{Email: email}})
	if status != http.StatusAccepted {
		t.Fatalf("send code: %d %s", status, body)
	}
	status, body = s.do(t, call{method: "POST", path: "/auth/codes/verify", body: verifyCodeRequest{Email: email, Code: s.mail.code(t, email)}})
	if status != http.StatusOK {
		t.Fatalf("verify: %d %s", status, body)
	}
	return decodeInto[verifyCodeResponse](t, body).Token
}

func (s *testServer) create(t *testing.T, tok, leader string, pw *string) createSessionResponse {
	t.Helper()
	status, body := s.do(t, call{method: "POST", path: "/sessions", bearer: tok, body: createSessionRequest{LeaderName: leader, Password: pw}})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %s", status, body)
	}
	return decodeInto[createSessionResponse](t, body)
}

func (s *testServer) join(t *testing.T, tok, sessionID, name string) joinSessionResponse {
	t.Helper()
	status, body := s.do(t, call{method: "POST", path: "/sessions/" + sessionID + "/join", bearer: tok, body: joinSessionRequest{Name: name}})
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("join: %d %s", status, body)
	}
	return decodeInto[joinSessionResponse](t, body)
}

func strPtr(s string) *string { return &s }

func TestAPI_CreateJoinAndGet(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")

	created := s.create(t, tok, "Alice", nil)
	if created.SessionID == "" || created.LeaderID == "" {
		t.Fatalf("missing ids: %+v", created)
	}
	if got := created.ExpiresAt.Sub(created.Session.CreatedAt); got != session.FixedTTL {
		t.Fatalf("ttl=%v", got)
	}

	joined := s.join(t, tok, created.SessionID, "Bob")
	if !joined.Created || len(joined.Session.Participants) != 2 {
		t.Fatalf("join result: %+v", joined)
	}

	again := s.join(t, tok, created.SessionID, "Bob")
	if again.Created || again.ParticipantID != joined.ParticipantID {
		t.Fatalf("rejoin should return the same participant: %+v", again)
	}
	if again.ParticipantToken == "" || again.ParticipantToken == joined.ParticipantToken {
		t.Fatalf("rejoin should rotate the participant token")
	}

	status, body := s.do(t, call{method: "GET", path: "/sessions/" + created.SessionID, token: again.ParticipantToken})
	if status != http.StatusOK {
		t.Fatalf("get: %d %s", status, body)
	}
	if strings.Contains(string(body), again.ParticipantToken) || strings.Contains(string(body), created.ParticipantToken) {
		t.Fatalf("snapshot leaks participant tokens: %s", body)
	}
	snap := decodeInto[v1.SessionSnapshot](t, body)
	if len(snap.Participants) != 2 || snap.LeaderID != created.LeaderID {
		t.Fatalf("snapshot: %+v", snap)
	}

	status, body = s.do(t, call{method: "GET", path: "/sessions/" + created.SessionID, token: joined.ParticipantToken})
	expectError(t, status, body, http.StatusUnauthorized, "UNAUTHENTICATED")

	status, body = s.do(t, call{method: "GET", path: "/sessions/" + created.SessionID})
	expectError(t, status, body, http.StatusUnauthorized, "UNAUTHENTICATED")
}

func TestAPI_CreateRequiresProof(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, call{method: "POST", path: "/sessions", body: createSessionRequest{LeaderName: "Alice"}})
	expectError(t, status, body, http.StatusUnauthorized, "UNAUTHENTICATED")

	status, body = s.do(t, call{method: "POST", path: "/sessions", bearer: "forged", body: createSessionRequest{LeaderName: "Alice"}})
	expectError(t, status, body, http.StatusUnauthorized, "UNAUTHENTICATED")
}

func TestAPI_StrictDecoding(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")

	status, body := s.do(t, call{method: "POST", path: "/sessions", bearer: tok, raw: []byte(`{"leader_name":"Alice","admin":true}`)})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")

	status, body = s.do(t, call{method: "POST", path: "/sessions", bearer: tok, raw: []byte(`{"leader_name":"Alice"}{}`)})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")

	status, body = s.do(t, call{method: "POST", path: "/sessions", bearer: tok, body: createSessionRequest{LeaderName: "  "}})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")

	status, body = s.do(t, call{method: "POST", path: "/sessions", bearer: tok, body: createSessionRequest{LeaderName: "Alice", Password: strPtr("")}})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")
}

func TestAPI_PasswordProtectedJoin(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", strPtr("secret123"))
	path := "/sessions/" + created.SessionID + "/join"

	status, body := s.do(t, call{method: "POST", path: path, bearer: tok, body: joinSessionRequest{Name: "Alice"}})
	expectError(t, status, body, http.StatusUnauthorized, "PASSWORD_REQUIRED")

	status, body = s.do(t, call{method: "POST", path: path, bearer: tok, body: joinSessionRequest{Name: "Bob", Password: strPtr("wrong-pass")}})
	expectError(t, status, body, http.StatusForbidden, "INVALID_PASSWORD")

	status, body = s.do(t, call{method: "POST", path: path, bearer: tok, body: joinSessionRequest{Name: "Alice", Password: strPtr("secret123")}})
	if status != http.StatusOK {
		t.Fatalf("leader rejoin: %d %s", status, body)
	}
	res := decodeInto[joinSessionResponse](t, body)
	if res.ParticipantID != created.LeaderID || len(res.Session.Participants) != 1 {
		t.Fatalf("leader rejoin: %+v", res)
	}
}

func TestAPI_WrongPasswordsAreThrottled(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", strPtr("secret123"))
	other := s.create(t, tok, "Alice", strPtr("secret123"))
	path := "/sessions/" + created.SessionID + "/join"

	for i := 0; i < 3; i++ {
		status, body := s.do(t, call{method: "POST", path: path, bearer: tok, body: joinSessionRequest{Name: "Mallory", Password: strPtr("guess-" + strconv.Itoa(i))}})
		expectError(t, status, body, http.StatusForbidden, "INVALID_PASSWORD")
	}

	req, _ := http.NewRequest(http.MethodPost, s.URL+path, strings.NewReader(`{"name":"Mallory","password":"secret123"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	expectError(t, resp.StatusCode, body, http.StatusTooManyRequests, "RATE_LIMITED")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// The lockout is scoped to one session.
	status, body := s.do(t, call{method: "POST", path: "/sessions/" + other.SessionID + "/join", bearer: tok, body: joinSessionRequest{Name: "Mallory", Password: strPtr("secret123")}})
	if status != http.StatusCreated {
		t.Fatalf("other session join: %d %s", status, body)
	}
}

func TestAPI_JoinUnknownSession(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")

	status, body := s.do(t, call{method: "POST", path: "/sessions/nope/join", bearer: tok, body: joinSessionRequest{Name: "Bob"}})
	expectError(t, status, body, http.StatusNotFound, "NOT_FOUND")
}

func TestAPI_StatusLadderAndAudio(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	bob := s.join(t, tok, created.SessionID, "Bob")
	base := "/sessions/" + created.SessionID + "/participants/" + bob.ParticipantID

	status, body := s.do(t, call{method: "POST", path: base + "/status", token: bob.ParticipantToken, body: statusRequest{Status: "transcribing"}})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")

	status, body = s.do(t, call{method: "POST", path: base + "/status", token: created.ParticipantToken, body: statusRequest{Status: "recording"}})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, body = s.do(t, call{method: "POST", path: base + "/status", token: bob.ParticipantToken, body: statusRequest{Status: "recording"}})
	if status != http.StatusOK {
		t.Fatalf("recording: %d %s", status, body)
	}
	if snap := decodeInto[v1.SessionSnapshot](t, body); snap.Status != "in-progress" {
		t.Fatalf("session status=%q", snap.Status)
	}

	status, body = s.do(t, call{method: "POST", path: base + "/status", token: bob.ParticipantToken, body: statusRequest{Status: "transcribing"}})
	if status != http.StatusOK {
		t.Fatalf("transcribing: %d %s", status, body)
	}

	s.tr.failures = 2
	status, body = s.do(t, call{method: "POST", path: base + "/audio", token: bob.ParticipantToken, raw: []byte("standup audio")})
	if status != http.StatusOK {
		t.Fatalf("audio: %d %s", status, body)
	}
	snap := decodeInto[v1.SessionSnapshot](t, body)
	p, _ := snap.Participant(bob.ParticipantID)
	if p.Status != v1.StatusDone || p.Transcript != "heard standup audio" || p.TranscriptLanguage != "en" {
		t.Fatalf("participant after audio: %+v", p)
	}
	if s.tr.calls != 3 {
		t.Fatalf("transcribe calls=%d, want 3", s.tr.calls)
	}
}

func TestAPI_TranscribeOutageIsGeneric(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	base := "/sessions/" + created.SessionID + "/participants/" + created.LeaderID

	for _, st := range []string{"recording", "transcribing"} {
		if status, body := s.do(t, call{method: "POST", path: base + "/status", token: created.ParticipantToken, body: statusRequest{Status: st}}); status != http.StatusOK {
			t.Fatalf("%s: %d %s", st, status, body)
		}
	}

	s.tr.failures = 100
	status, body := s.do(t, call{method: "POST", path: base + "/audio", token: created.ParticipantToken, raw: []byte("x")})
	expectError(t, status, body, http.StatusServiceUnavailable, "TRANSIENT_UPSTREAM")
	if e := decodeInto[errorResponse](t, body); e.Error.Message != fault.GenericMessage || strings.Contains(e.Error.Message, "502") {
		t.Fatalf("leaked detail: %q", e.Error.Message)
	}
}

func TestAPI_OtherParticipantsCannotUpdateMe(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	bob := s.join(t, tok, created.SessionID, "Bob")
	carol := s.join(t, tok, created.SessionID, "Carol")

	path := "/sessions/" + created.SessionID + "/participants/" + bob.ParticipantID + "/status"
	status, body := s.do(t, call{method: "POST", path: path, token: carol.ParticipantToken, body: statusRequest{Status: "recording"}})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, body = s.do(t, call{method: "POST", path: path, token: bob.ParticipantToken, body: statusRequest{Status: "paused"}})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")
}

func TestAPI_LeaderCannotActForOthers(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	bob := s.join(t, s.verified(t, "bob@example.com"), created.SessionID, "Bob")
	base := "/sessions/" + created.SessionID + "/participants/" + bob.ParticipantID

	for _, c := range []call{
		{method: "POST", path: base + "/status", body: statusRequest{Status: "recording"}},
		{method: "POST", path: base + "/transcript", body: transcriptRequest{Text: "not mine"}},
		{method: "POST", path: base + "/audio", raw: []byte("not mine")},
		{method: "POST", path: base + "/leave"},
	} {
		c.token = created.ParticipantToken
		status, body := s.do(t, c)
		expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")
	}

	status, body := s.do(t, call{method: "GET", path: "/sessions/" + created.SessionID, token: bob.ParticipantToken})
	if status != http.StatusOK {
		t.Fatalf("get: %d %s", status, body)
	}
	p, _ := decodeInto[v1.SessionSnapshot](t, body).Participant(bob.ParticipantID)
	if p.Status != v1.StatusWaiting {
		t.Fatalf("bob moved to %q by someone else", p.Status)
	}
}

func TestAPI_PublicIDsDoNotAuthorize(t *testing.T) {
	s := newTestServer(t)
	created := s.create(t, s.verified(t, "alice@example.com"), "Alice", nil)
	sid := created.SessionID
	bob := s.join(t, s.verified(t, "bob@example.com"), sid, "Bob")
	carol := s.join(t, s.verified(t, "carol@example.com"), sid, "Carol")

	status, body := s.do(t, call{method: "GET", path: "/sessions/" + sid, token: carol.ParticipantToken})
	if status != http.StatusOK {
		t.Fatalf("get: %d %s", status, body)
	}
	snap := decodeInto[v1.SessionSnapshot](t, body)

	// Carol knows every id from the snapshot; presenting them gets her nowhere.
	status, body = s.do(t, call{method: "POST", path: "/sessions/" + sid + "/participants/" + bob.ParticipantID + "/status", token: bob.ParticipantID, body: statusRequest{Status: "recording"}})
	expectError(t, status, body, http.StatusUnauthorized, "UNAUTHENTICATED")

	status, body = s.do(t, call{method: "DELETE", path: "/sessions/" + sid, token: snap.LeaderID})
	expectError(t, status, body, http.StatusUnauthorized, "UNAUTHENTICATED")

	status, body = s.do(t, call{method: "DELETE", path: "/sessions/" + sid, token: carol.ParticipantToken})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	// Reusing Bob's name from another account does not hand out Bob's token.
	res := s.join(t, s.verified(t, "mallory@example.com"), sid, "Bob")
	if res.ParticipantID != bob.ParticipantID || res.ParticipantToken != "" {
		t.Fatalf("name reuse by another identity: %+v", res)
	}

	status, body = s.do(t, call{method: "GET", path: "/sessions/" + sid, token: created.ParticipantToken})
	if status != http.StatusOK {
		t.Fatalf("session must survive: %d %s", status, body)
	}
}

func TestAPI_LeaderActions(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	bob := s.join(t, tok, created.SessionID, "Bob")
	sid := created.SessionID

	status, body := s.do(t, call{method: "POST", path: "/sessions/" + sid + "/timer", token: bob.ParticipantToken, body: timerRequest{Action: "start"}})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, body = s.do(t, call{method: "POST", path: "/sessions/" + sid + "/timer", token: created.ParticipantToken, body: timerRequest{Action: "start"}})
	if status != http.StatusOK || !decodeInto[v1.SessionSnapshot](t, body).TimerRunning {
		t.Fatalf("timer start: %d %s", status, body)
	}

	status, body = s.do(t, call{method: "POST", path: "/sessions/" + sid + "/summary", token: bob.ParticipantToken, body: summaryRequest{Text: "x"}})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, body = s.do(t, call{method: "POST", path: "/sessions/" + sid + "/summary", token: created.ParticipantToken, body: summaryRequest{Text: "All good"}})
	if status != http.StatusOK || decodeInto[v1.SessionSnapshot](t, body).Status != "completed" {
		t.Fatalf("summary: %d %s", status, body)
	}

	status, body = s.do(t, call{method: "DELETE", path: "/sessions/" + sid, token: bob.ParticipantToken})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, _ = s.do(t, call{method: "DELETE", path: "/sessions/" + sid, token: created.ParticipantToken})
	if status != http.StatusNoContent {
		t.Fatalf("delete: %d", status)
	}
	status, body = s.do(t, call{method: "GET", path: "/sessions/" + sid, token: created.ParticipantToken})
	expectError(t, status, body, http.StatusNotFound, "NOT_FOUND")
}

func TestAPI_SummarizeUsesTranscripts(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	sid := created.SessionID

	status, body := s.do(t, call{method: "POST", path: "/sessions/" + sid + "/summarize", token: created.ParticipantToken})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")

	base := "/sessions/" + sid + "/participants/" + created.LeaderID
	for _, st := range []string{"recording", "transcribing"} {
		s.do(t, call{method: "POST", path: base + "/status", token: created.ParticipantToken, body: statusRequest{Status: st}})
	}
	status, body = s.do(t, call{method: "POST", path: base + "/transcript", token: created.ParticipantToken, body: transcriptRequest{Text: "shipped the relay", Language: "en"}})
	if status != http.StatusOK {
		t.Fatalf("transcript: %d %s", status, body)
	}

	status, body = s.do(t, call{method: "POST", path: "/sessions/" + sid + "/summarize", token: created.ParticipantToken})
	if status != http.StatusOK {
		t.Fatalf("summarize: %d %s", status, body)
	}
	snap := decodeInto[v1.SessionSnapshot](t, body)
	if snap.Status != "completed" || !strings.Contains(snap.Summary, "shipped the relay") {
		t.Fatalf("summary: %+v", snap)
	}
	if len(s.sum.got) != 1 {
		t.Fatalf("summarizer got %v", s.sum.got)
	}
}

func TestAPI_Leave(t *testing.T) {
	s := newTestServer(t)
	tok := s.verified(t, "alice@example.com")
	created := s.create(t, tok, "Alice", nil)
	bob := s.join(t, tok, created.SessionID, "Bob")
	base := "/sessions/" + created.SessionID + "/participants/"

	status, body := s.do(t, call{method: "POST", path: base + bob.ParticipantID + "/leave", token: created.ParticipantToken})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, body = s.do(t, call{method: "POST", path: base + created.LeaderID + "/leave", token: created.ParticipantToken})
	expectError(t, status, body, http.StatusForbidden, "FORBIDDEN")

	status, _ = s.do(t, call{method: "POST", path: base + bob.ParticipantID + "/leave", token: bob.ParticipantToken})
	if status != http.StatusNoContent {
		t.Fatalf("leave: %d", status)
	}

	status, body = s.do(t, call{method: "GET", path: "/sessions/" + created.SessionID, token: created.ParticipantToken})
	if status != http.StatusOK || len(decodeInto[v1.SessionSnapshot](t, body).Participants) != 1 {
		t.Fatalf("roster after leave: %d %s", status, body)
	}
}

func TestAPI_VerifyWrongCode(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, call{method: "POST", path: "/auth/codes", body: sendCodeRequest{Email: "bob@example.com"}})
	if status != http.StatusAccepted {
		t.Fatalf("send: %d", status)
	}
	code := s.mail.code(t, "bob@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	status, body := s.do(t, call{method: "POST", path: "/auth/codes/verify", body: verifyCodeRequest{Email: "bob@example.com", Code: wrong}})
	expectError(t, status, body, http.StatusBadRequest, "INVALID_CODE")

	status, body = s.do(t, call{method: "POST", path: "/auth/codes", body: sendCodeRequest{Email: "not-an-email"}})
	expectError(t, status, body, http.StatusBadRequest, "VALIDATION")
}

func TestStatusFor(t *testing.T) {
	if statusFor(nil) != http.StatusServiceUnavailable {
		t.Fatalf("unclassified errors should be 503")
	}
	if statusFor(fault.ErrExpired) != http.StatusGone {
		t.Fatalf("EXPIRED should be 410")
	}
	if statusFor(fault.ErrRateLimited) != http.StatusTooManyRequests {
		t.Fatalf("RATE_LIMITED should be 429")
	}
}
