package delivery

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stanstork/opsdash-notify/internal/models"
)

// LogConsumer is the headless counterpart of a transient UI alert: one log
// line per new notification.
type LogConsumer struct {
	logger zerolog.Logger
}

func NewLogConsumer(logger zerolog.Logger) *LogConsumer {
	return &LogConsumer{
		logger: logger.With().Str("consumer", "log").Logger(),
	}
}

func (c *LogConsumer) Deliver(_ context.Context, notif models.Notification) error {
	title := strings.TrimSpace(notif.Title)
	if title == "" {
		title = string(notif.Type)
	}

	event := c.logger.Info().
		Str("notification_id", notif.ID).
		Str("notification_type", string(notif.Type)).
		Str("body", strings.TrimSpace(notif.Message)).
		Time("created_at", notif.CreatedAt)
	if notif.Creator != nil {
		event = event.Str("from", displayName(*notif.Creator))
	}
	if recipient, ok := notif.Recipient(); ok {
		event = event.Str("to", displayName(recipient))
	}
	if notif.TargetRole != nil {
		event = event.Str("target_role", *notif.TargetRole)
	}
	event.Msg(title)
	return nil
}

func (c *LogConsumer) String() string {
	return "LogConsumer"
}

func displayName(ident models.Identity) string {
	if name := strings.TrimSpace(ident.Name); name != "" {
		return name
	}
	if ident.Email != "" {
		return ident.Email
	}
	return ident.ID
}
