package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// originPolicy is the allowlist applied before the WebSocket upgrade.
type originPolicy struct {
	required bool
	allowed  []string
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		switch {
		case a == "*":
			return nil
		case a == origin:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// patterns derives websocket.AcceptOptions.OriginPatterns from the allowlist
// so the library's own cross-origin check agrees with ours.
func (p originPolicy) patterns() []string {
	var out []string
	for _, a := range p.allowed {
		if a == "*" {
			return []string{"*"}
		}
		if h := originHost(a); h != "" && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}

// originHost extracts the lower-cased host from "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}
