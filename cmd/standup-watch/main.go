// Command standup-watch follows a standup session from the terminal.
//
// It mounts a reconciler for one participant, keeps its cached snapshot in a
// local bbolt file, and prints a line whenever the roster, a status, the timer
// or the session state changes. Restarting without -session resumes the
// persisted session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"standup/cmd/internal/reconciler"
)

func main() {
	var (
		apiURL    = flag.String("api", "http://127.0.0.1:8080", "Server base URL")
		wsURL     = flag.String("ws", "", "WebSocket URL (default: derived from -api)")
		origin    = flag.String("origin", "", "Origin header to send on the WebSocket handshake")
		sessionID = flag.String("session", "", "Session ID to follow (default: resume persisted state)")
		userID    = flag.String("participant", "", "Your participant ID in the session")
		userName  = flag.String("name", "", "Your display name (informational)")
		token     = flag.String("token", os.Getenv("STANDUP_PARTICIPANT_TOKEN"), "Participant token from create or join (default: $STANDUP_PARTICIPANT_TOKEN)")
		statePath = flag.String("state", defaultStatePath(), "bbolt file for the cached session")
		timeout   = flag.Duration("timeout", 10*time.Second, "HTTP and dial timeout")
		leave     = flag.Bool("leave", false, "Forget the persisted session and exit")
		verbose   = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ws := *wsURL
	if ws == "" {
		derived, err := deriveWSURL(*apiURL)
		if err != nil {
			fatalf("invalid -api: %v", err)
		}
		ws = derived
	}
	if err := validateWSURL(ws); err != nil {
		fatalf("invalid -ws: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, log, os.Stdout, options{
		apiURL:    *apiURL,
		wsURL:     ws,
		origin:    *origin,
		sessionID: *sessionID,
		userID:    *userID,
		userName:  *userName,
		token:     *token,
		statePath: *statePath,
		timeout:   *timeout,
		leave:     *leave,
	})
	if err != nil {
		fatalf("%v", err)
	}
}

type options struct {
	apiURL, wsURL, origin       string
	sessionID, userID, userName string
	token                       string
	statePath                   string
	timeout                     time.Duration
	leave                       bool
}

func run(ctx context.Context, log *slog.Logger, out io.Writer, o options) error {
	if dir := filepath.Dir(o.statePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	store, err := reconciler.OpenBolt(o.statePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() { _ = store.Close() }()

	rec, err := reconciler.New(ctx, reconciler.NewHTTPFetcher(o.apiURL, o.timeout), store, reconciler.WithLogger(log))
	if err != nil {
		return err
	}

	if o.leave {
		rec.Leave(ctx)
		fmt.Fprintln(out, "left session")
		return nil
	}

	p := &printer{out: out}
	stop := rec.Subscribe(p.observe)
	defer stop()

	switch {
	case o.sessionID != "":
		if o.userID == "" || o.token == "" {
			return errors.New("-participant and -token are required with -session")
		}
		if err := rec.Mount(ctx, o.sessionID, o.userID, o.userName, o.token); err != nil {
			return fmt.Errorf("mount: %w", err)
		}
	case rec.State().Active():
		st := rec.State()
		fmt.Fprintf(out, "resuming session %s as %s\n", st.Session.ID, st.UserID)
		p.observe(st)
		if err := rec.Sync(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	default:
		return errors.New("no persisted session; pass -session with -participant and -token")
	}

	err = rec.Stream(ctx, reconciler.StreamConfig{
		URL:         o.wsURL,
		Origin:      o.origin,
		DialTimeout: o.timeout,
	})
	if err != nil && !rec.State().Active() {
		fmt.Fprintln(out, "session ended")
		return nil
	}
	return err
}

// printer writes the lines that differ from the previous render.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]string
}

func (p *printer) observe(st reconciler.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := render(st)
	keys := make([]string, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if p.last[k] != next[k] {
			fmt.Fprintln(p.out, next[k])
		}
	}
	for k := range p.last {
		if _, ok := next[k]; !ok && strings.HasPrefix(k, "p:") {
			fmt.Fprintf(p.out, "- %s left\n", strings.TrimPrefix(k, "p:"))
		}
	}
	p.last = next
}

// render maps a state to one line per observable fact, keyed so that
// unchanged facts compare equal between renders.
func render(st reconciler.State) map[string]string {
	if !st.Active() {
		return map[string]string{"session": "session: none"}
	}
	s := st.Session
	lines := map[string]string{
		"session": fmt.Sprintf("session %s: %s", s.ID, s.Status),
		"timer":   "timer: stopped",
	}
	if s.TimerRunning {
		lines["timer"] = "timer: running"
	}
	if s.Summary != "" {
		lines["summary"] = "summary: " + firstLine(s.Summary)
	}
	for _, pv := range s.Participants {
		role := ""
		if pv.ID == s.LeaderID {
			role = " (leader)"
		}
		if pv.ID == st.UserID {
			role += " (you)"
		}
		lines["p:"+pv.ID] = fmt.Sprintf("- %s%s: %s", pv.Name, role, pv.Status)
	}
	return lines
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func defaultStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "standup-watch.db"
	}
	return filepath.Join(dir, "standup", "watch.db")
}

func deriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "standup-watch: "+format+"\n", args...)
	os.Exit(1)
}
