package collab

import (
	"context"
	"log/slog"

	"standup/cmd/internal/fault"
)

// LogMailer writes emails to the log instead of sending them. Development only.
type LogMailer struct{ Log *slog.Logger }

func (m LogMailer) SendEmail(_ context.Context, to, subject, body string) error {
	l := m.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("mail.outbox", slog.String("to", to), slog.String("subject", subject), slog.String("body", body))
	return nil
}

// Disabled rejects calls to a collaborator the server was not configured with.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, []byte, string) (Transcript, error) {
	return Transcript{}, fault.New("collab.transcribe", fault.ErrValidation, "speech-to-text is not configured on this server")
}

func (Disabled) Summarize(context.Context, []string, string) (Summary, error) {
	return Summary{}, fault.New("collab.summarize", fault.ErrValidation, "summarization is not configured on this server")
}
