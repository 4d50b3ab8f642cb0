package repository

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/stanstork/opsdash-notify/internal/models"
)

const (
	notificationsPath = "/api/notifications"
	markReadPath      = "/api/notifications/read"
)

type NotificationRepository interface {
	List(ctx context.Context, params ListNotificationsParams) (models.NotificationPage, error)
	MarkRead(ctx context.Context, ids []string) error
}

// ListNotificationsParams selects one page of history. After is the previous
// page's end cursor, empty for the first page.
type ListNotificationsParams struct {
	First  int
	After  string
	Filter models.NotificationFilter
}

type notificationRepository struct {
	client *Client
}

func NewNotificationRepository(client *Client) NotificationRepository {
	return &notificationRepository{client: client}
}

func (r *notificationRepository) List(ctx context.Context, params ListNotificationsParams) (models.NotificationPage, error) {
	first := params.First
	if first <= 0 || first > 100 {
		first = 20
	}

	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	if after := strings.TrimSpace(params.After); after != "" {
		q.Set("after", after)
	}
	if params.Filter.Type != nil {
		q.Set("type", string(*params.Filter.Type))
	}
	if params.Filter.IsRead != nil {
		q.Set("isRead", strconv.FormatBool(*params.Filter.IsRead))
	}

	var page models.NotificationPage
	if err := r.client.get(ctx, notificationsPath+"?"+q.Encode(), &page); err != nil {
		return models.NotificationPage{}, errors.Wrap(err, "list notifications")
	}
	if page.Notifications == nil {
		page.Notifications = []models.Notification{}
	}
	return page, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, ids []string) error {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	payload := map[string][]string{"ids": cleaned}
	if err := r.client.post(ctx, markReadPath, payload, nil); err != nil {
		return errors.Wrapf(err, "mark %d notifications read", len(cleaned))
	}
	return nil
}
