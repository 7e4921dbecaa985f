// Package alert sends the discard-alert notification (SPEC_FULL.md
// "Discard-alert notifier"), adapted from the teacher's email.Sender:
// same local/production split, repointed from magic links to discard
// reports.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/obango/obango/internal/domain"
)

// Sender delivers one rendered alert. Kept narrower than a general mailer
// since discard alerts are the only message this package ever sends.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs instead of sending — used in ENV=local, and whenever no
// API key is configured.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("discard alert (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender sends via the Resend API — used in staging/production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local or when apiKey is blank,
// a ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" || apiKey == "" {
		return &LogSender{logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// Notifier implements producer.Notifier, rendering and sending one email
// per discarded job. Best-effort: a send failure is logged, never
// propagated back into the ack path (SPEC_FULL.md point 3).
type Notifier struct {
	sender Sender
	to     string
	logger *slog.Logger
}

func NewNotifier(sender Sender, to string, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, to: to, logger: logger.With("component", "alert")}
}

func (n *Notifier) Discarded(ctx context.Context, job *domain.Job, reason error) {
	if n.to == "" {
		return
	}
	subject := fmt.Sprintf("job discarded: %s (queue %s)", job.Worker, job.Queue)
	body := fmt.Sprintf(
		"Job %d (worker=%s, queue=%s) was discarded after %d/%d attempts.\n\nLast error: %v",
		job.ID, job.Worker, job.Queue, job.Attempt, job.MaxAttempts, reason,
	)
	if err := n.sender.Send(ctx, n.to, subject, body); err != nil {
		n.logger.Error("discard alert send failed", "job_id", job.ID, "error", err)
	}
}
