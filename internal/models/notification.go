package models

import (
	"time"
)

type NotificationType string

const (
	NotificationTypeGlobal NotificationType = "GLOBAL"
	NotificationTypeDirect NotificationType = "DIRECT"
	NotificationTypeSystem NotificationType = "SYSTEM"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeGlobal, NotificationTypeDirect, NotificationTypeSystem:
		return true
	}
	return false
}

// Identity is the sender or recipient of a notification.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type Notification struct {
	ID         string                 `json:"id"`
	Type       NotificationType       `json:"notificationType"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	IsRead     bool                   `json:"isRead"`
	ReadAt     *time.Time             `json:"readAt,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	TargetRole *string                `json:"targetRole,omitempty"`
	Creator    *Identity              `json:"creator,omitempty"`
	User       *Identity              `json:"user,omitempty"`
}

// Recipient returns the addressed user of a DIRECT notification.
func (n Notification) Recipient() (Identity, bool) {
	if n.Type != NotificationTypeDirect || n.User == nil {
		return Identity{}, false
	}
	return *n.User, true
}

// Clone returns a copy that shares no mutable state with n.
func (n Notification) Clone() Notification {
	c := n
	if n.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	if n.TargetRole != nil {
		r := *n.TargetRole
		c.TargetRole = &r
	}
	if n.Creator != nil {
		ident := *n.Creator
		c.Creator = &ident
	}
	if n.User != nil {
		ident := *n.User
		c.User = &ident
	}
	return c
}

// NotificationFilter narrows a backfill query. Nil fields are not sent.
type NotificationFilter struct {
	Type   *NotificationType
	IsRead *bool
}

type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// NotificationPage is one page of the backend's notification history.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	PageInfo      PageInfo       `json:"pageInfo"`
	UnreadCount   int            `json:"unreadCount"`
	TotalCount    int            `json:"totalCount"`
}
