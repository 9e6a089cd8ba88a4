package email

import (
	"context"
	"fmt"
	"log/slog"

	"inactivity/internal/external"
	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// Mailer renders a notice and sends it through an EmailProvider. Every
// failure, rendering included, is reported in the returned MailStatus.
type Mailer struct {
	provider external.EmailProvider
	renderer *Renderer
	logger   *slog.Logger
}

type MailerConfig struct {
	Provider external.EmailProvider
	Renderer *Renderer
	Logger   *slog.Logger
}

func NewMailer(cfg MailerConfig) *Mailer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{provider: cfg.Provider, renderer: cfg.Renderer, logger: logger}
}

// ReferenceID tags a message for correlation in provider logs, for example
// "warning-42-1792300800".
func ReferenceID(n scheduler.Notice) string {
	at := n.LockoutAt
	if n.ScheduledAt != nil {
		at = *n.ScheduledAt
	}
	return fmt.Sprintf("%s-%d-%d", n.Kind, n.User.ID, at.Unix())
}

func (m *Mailer) Send(ctx context.Context, n scheduler.Notice) types.MailStatus {
	log := m.logger.With(
		"kind", n.Kind.String(),
		"user_id", n.User.ID,
		"dest", RedactEmail(n.User.Email),
		"provider", m.provider.Name(),
	)

	if !n.User.HasEmail() {
		return types.MailStatus{OK: false, Message: "user has no email address"}
	}

	rendered, sender, err := m.renderer.Render(n)
	if err != nil {
		log.ErrorContext(ctx, "Template rendering failed", "error", err)
		return types.MailStatus{OK: false, Message: err.Error()}
	}

	msgID, err := m.provider.Send(ctx, types.SendInput{
		To:          n.User.Email,
		From:        sender,
		Subject:     rendered.Subject,
		BodyText:    rendered.BodyText,
		BodyHTML:    rendered.BodyHTML,
		ReferenceID: ReferenceID(n),
	})
	if err != nil {
		if IsBlocklistError(err) {
			log.WarnContext(ctx, "Recipient blocked by provider")
		}
		return types.MailStatus{OK: false, Message: err.Error()}
	}

	log.DebugContext(ctx, "Mail accepted by provider", "provider_message_id", msgID)
	return types.MailStatus{OK: true, Message: msgID}
}

var _ scheduler.Mailer = (*Mailer)(nil)
