// Package delivery runs the side effects for notifications that arrive over
// the live connection. Consumers are invoked only after the store accepted a
// new id, so each notification is delivered at most once.
package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stanstork/opsdash-notify/internal/models"
)

type Consumer interface {
	Deliver(ctx context.Context, notification models.Notification) error
}

// Func adapts a plain function to Consumer.
type Func func(ctx context.Context, notification models.Notification) error

func (f Func) Deliver(ctx context.Context, notification models.Notification) error {
	return f(ctx, notification)
}

// Fanout invokes each consumer in order. A failing consumer is logged and
// does not stop the others.
type Fanout struct {
	consumers []Consumer
	logger    zerolog.Logger
}

func NewFanout(logger zerolog.Logger, consumers ...Consumer) *Fanout {
	active := make([]Consumer, 0, len(consumers))
	for _, c := range consumers {
		if c != nil {
			active = append(active, c)
		}
	}
	return &Fanout{
		consumers: active,
		logger:    logger.With().Str("component", "delivery").Logger(),
	}
}

func (f *Fanout) Deliver(ctx context.Context, notification models.Notification) error {
	for _, c := range f.consumers {
		if err := c.Deliver(ctx, notification); err != nil {
			logDeliverError(f.logger, err, channelName(c), notification)
		}
	}
	return nil
}

func (f *Fanout) Len() int {
	return len(f.consumers)
}

func logDeliverError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("notification_type", string(notif.Type)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}

func channelName(c Consumer) string {
	type named interface {
		String() string
	}
	if v, ok := c.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", c)
}
