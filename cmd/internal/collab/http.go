package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const maxResponseBytes = 1 << 20

// Client is the shared HTTP plumbing for the provider implementations.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient targets baseURL. apiKey, when set, is sent as a bearer token.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if !isHTTPSuccessStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.post(ctx, path, "application/json", b, out)
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// HTTPTranscriber posts raw audio to {base}/transcribe.
type HTTPTranscriber struct{ c *Client }

func NewHTTPTranscriber(c *Client) *HTTPTranscriber { return &HTTPTranscriber{c: c} }

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, errors.New("transcribe: empty audio")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var out Transcript
	if err := t.c.post(ctx, "/transcribe", contentType, audio, &out); err != nil {
		return Transcript{}, err
	}
	return out, nil
}

// HTTPSummarizer posts transcripts to {base}/summarize.
type HTTPSummarizer struct{ c *Client }

func NewHTTPSummarizer(c *Client) *HTTPSummarizer { return &HTTPSummarizer{c: c} }

type summarizeRequest struct {
	Transcripts []string `json:"transcripts"`
	Language    string   `json:"language,omitempty"`
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, transcripts []string, language string) (Summary, error) {
	var out Summary
	if err := s.c.postJSON(ctx, "/summarize", summarizeRequest{Transcripts: transcripts, Language: language}, &out); err != nil {
		return Summary{}, err
	}
	if len(out.Sections) == 0 {
		return Summary{}, errors.New("summarize: empty summary")
	}
	return out, nil
}

// HTTPMailer posts messages to {base}/send.
type HTTPMailer struct {
	c    *Client
	from string
}

func NewHTTPMailer(c *Client, from string) *HTTPMailer { return &HTTPMailer{c: c, from: from} }

type emailRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m *HTTPMailer) SendEmail(ctx context.Context, to, subject, body string) error {
	return m.c.postJSON(ctx, "/send", emailRequest{From: m.from, To: to, Subject: subject, Body: body}, nil)
}
