package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"standup/cmd/internal/fault"
	v1 "standup/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

const maxSnapshotBytes = 1 << 20

// ParticipantTokenHeader carries the token issued at create or join.
const ParticipantTokenHeader = "X-Participant-Token"

// Fetcher loads the authoritative snapshot.
type Fetcher interface {
	FetchSession(ctx context.Context, sessionID, token string) (v1.SessionSnapshot, error)
}

// HTTPFetcher reads GET {base}/sessions/{id}.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *HTTPFetcher) FetchSession(ctx context.Context, sessionID, token string) (v1.SessionSnapshot, error) {
	const op = "reconciler.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set(ParticipantTokenHeader, token)

	resp, err := f.client.Do(req)
	if err != nil {
		return v1.SessionSnapshot{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body := io.LimitReader(resp.Body, maxSnapshotBytes)

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if err := json.NewDecoder(body).Decode(&eb); err == nil {
			if kind := fault.KindFromCode(eb.Error.Code); kind != nil {
				return v1.SessionSnapshot{}, fault.New(op, kind, eb.Error.Message)
			}
		}
		return v1.SessionSnapshot{}, fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}

	var snap v1.SessionSnapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return v1.SessionSnapshot{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	return snap, nil
}
