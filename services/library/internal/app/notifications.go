package app

import (
	"context"

	"atlaslibrary/internal/util"
	"atlaslibrary/pkg/notify"
)

// send delivers msg and reports whether it went out. Failures are logged
// and never reach the caller's transition.
func (a *App) send(ctx context.Context, msg *notify.Email) bool {
	if msg == nil {
		return false
	}
	if err := a.notifier.Send(ctx, *msg); err != nil {
		util.LoggerFromContext(ctx).Warn("email delivery failed", "to", msg.To, "subject", msg.Subject, "err", err)
		return false
	}
	return true
}
