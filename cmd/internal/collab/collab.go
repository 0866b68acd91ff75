// Package collab holds the external collaborators the core calls out to:
// speech-to-text, summarization and email delivery. Each has an HTTP JSON
// implementation and a local fallback for development.
package collab

import (
	"context"
	"strings"
)

// Transcript is a speech-to-text result.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Section is one titled block of a summary.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Summary is a summarization result.
type Summary struct {
	Sections []Section `json:"sections"`
}

// Text renders the summary as markdown, one heading per section.
func (s Summary) Text() string {
	var b strings.Builder
	for i, sec := range s.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if t := strings.TrimSpace(sec.Title); t != "" {
			b.WriteString("## ")
			b.WriteString(t)
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(sec.Body))
	}
	return strings.TrimSpace(b.String())
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (Transcript, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcripts []string, language string) (Summary, error)
}

type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}
