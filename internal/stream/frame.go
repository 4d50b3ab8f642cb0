package stream

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/stanstork/opsdash-notify/internal/models"
)

const (
	frameTypeConnected    = "connected"
	frameTypeNotification = "notification"
)

type frameKind int

const (
	frameUnknown frameKind = iota
	frameConnected
	frameNotification
)

type frame struct {
	kind         frameKind
	rawType      string
	notification models.Notification
}

// wireFrame overlays the frame discriminator on the notification fields. The
// notification's own type travels as "notificationType".
type wireFrame struct {
	Type string `json:"type"`
	models.Notification
}

var errMissingID = errors.New("notification frame without id")

func parseFrame(data []byte) (frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return frame{}, errors.Wrap(err, "decode frame")
	}

	switch w.Type {
	case frameTypeConnected:
		return frame{kind: frameConnected, rawType: w.Type}, nil
	case frameTypeNotification:
		if w.ID == "" {
			return frame{}, errMissingID
		}
		return frame{kind: frameNotification, rawType: w.Type, notification: w.Notification}, nil
	default:
		return frame{kind: frameUnknown, rawType: w.Type}, nil
	}
}
