package notify

import (
	"context"
	"log/slog"
)

// LogSender records mail in the log instead of sending it. Used when no SMTP
// account is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Email) error {
	slog.InfoContext(ctx, "email not sent, smtp disabled", "to", msg.To, "subject", msg.Subject)
	return nil
}
