// Package store holds the notification feed state shared by the push
// connection and the backfill loader.
//
// The two producers touch disjoint fields: the stream manager owns the
// connection state, the loader and the live frame handler own the list and the
// unread count. Every method is a complete state transition and cannot fail.
package store

import (
	"sync"

	"github.com/facebookgo/clock"

	"github.com/stanstork/opsdash-notify/internal/models"
)

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Notifications []models.Notification
	UnreadCount   int
	Connection    models.ConnectionState
}

type Store struct {
	mu    sync.RWMutex
	clock clock.Clock

	notifications []models.Notification
	ids           map[string]struct{}
	unread        int
	conn          models.ConnectionState

	teardown func()

	subs    map[int]chan struct{}
	nextSub int
}

// New creates an empty store. A nil clock uses wall time.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock: clk,
		ids:   make(map[string]struct{}),
		conn:  models.ConnectionState{Status: models.ConnectionDisconnected},
		subs:  make(map[int]chan struct{}),
	}
}

// AddNotification inserts n at the head of the list. It returns false, and
// leaves the store untouched, when n has no id or its id is already present.
func (s *Store) AddNotification(n models.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		return false
	}
	if _, ok := s.ids[n.ID]; ok {
		return false
	}
	n = s.normalize(n)
	s.notifications = append([]models.Notification{n}, s.notifications...)
	s.ids[n.ID] = struct{}{}
	if !n.IsRead {
		s.unread++
	}
	s.signalLocked()
	return true
}

// SetNotifications replaces the list. Repeated ids keep their first
// occurrence and the unread count is derived from the result.
func (s *Store) SetNotifications(list []models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = make([]models.Notification, 0, len(list))
	s.ids = make(map[string]struct{}, len(list))
	s.unread = 0
	s.appendLocked(list)
	s.signalLocked()
}

// AppendNotifications merges a backfill page at the tail, keeping the page
// order and skipping ids already held. It returns the number inserted.
func (s *Store) AppendNotifications(list []models.Notification) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.appendLocked(list)
	if added > 0 {
		s.signalLocked()
	}
	return added
}

func (s *Store) appendLocked(list []models.Notification) int {
	added := 0
	for _, n := range list {
		if n.ID == "" {
			continue
		}
		if _, ok := s.ids[n.ID]; ok {
			continue
		}
		n = s.normalize(n)
		s.notifications = append(s.notifications, n)
		s.ids[n.ID] = struct{}{}
		if !n.IsRead {
			s.unread++
		}
		added++
	}
	return added
}

// MarkAsRead marks one entry read. Unknown or already read ids are a no-op
// and return false.
func (s *Store) MarkAsRead(id string) bool {
	return len(s.MarkMultipleAsRead([]string{id})) == 1
}

// MarkMultipleAsRead marks the given entries read in one transition and
// returns the ids that were unread before the call.
func (s *Store) MarkMultipleAsRead(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.markLocked(func(n models.Notification) bool {
		_, ok := want[n.ID]
		return ok
	})
}

// MarkAllAsRead marks every entry read, zeroes the unread count and returns
// the ids that changed.
func (s *Store) MarkAllAsRead() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.markLocked(func(models.Notification) bool { return true })
	s.unread = 0
	return changed
}

func (s *Store) markLocked(match func(models.Notification) bool) []string {
	var changed []string
	now := s.clock.Now()
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.IsRead || !match(*n) {
			continue
		}
		readAt := now
		n.IsRead = true
		n.ReadAt = &readAt
		changed = append(changed, n.ID)
	}
	if len(changed) == 0 {
		return nil
	}
	s.unread -= len(changed)
	if s.unread < 0 {
		s.unread = 0
	}
	s.signalLocked()
	return changed
}

// normalize enforces readAt being set iff isRead.
func (s *Store) normalize(n models.Notification) models.Notification {
	n = n.Clone()
	switch {
	case n.IsRead && n.ReadAt == nil:
		now := s.clock.Now()
		n.ReadAt = &now
	case !n.IsRead:
		n.ReadAt = nil
	}
	return n
}

// SetConnecting records that a transport is being opened.
func (s *Store) SetConnecting() {
	s.setStatus(models.ConnectionConnecting)
}

// SetConnected moves to CONNECTED, or out of CONNECTED/CONNECTING when false.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case connected:
		s.conn.Status = models.ConnectionConnected
	case s.conn.Status == models.ConnectionConnected || s.conn.Status == models.ConnectionConnecting:
		s.conn.Status = models.ConnectionDisconnected
	default:
		return
	}
	s.signalLocked()
}

// SetReconnecting moves to RECONNECTING, or out of it when false.
func (s *Store) SetReconnecting(reconnecting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case reconnecting:
		s.conn.Status = models.ConnectionReconnecting
	case s.conn.Status == models.ConnectionReconnecting:
		s.conn.Status = models.ConnectionDisconnected
	default:
		return
	}
	s.signalLocked()
}

func (s *Store) setStatus(status models.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn.Status == status {
		return
	}
	s.conn.Status = status
	s.signalLocked()
}

func (s *Store) IncrementReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.ReconnectAttempts++
	s.signalLocked()
}

func (s *Store) ResetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn.ReconnectAttempts == 0 {
		return
	}
	s.conn.ReconnectAttempts = 0
	s.signalLocked()
}

// SetLastError keeps the most recent transport error for diagnostics.
func (s *Store) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.LastError = err
	s.signalLocked()
}

// BindTeardown registers the function Reset uses to release a held
// connection. It replaces any earlier binding.
func (s *Store) BindTeardown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown = fn
}

// Reset clears the list, the count and the connection state, then runs the
// bound teardown outside the lock.
func (s *Store) Reset() {
	s.mu.Lock()
	s.notifications = nil
	s.ids = make(map[string]struct{})
	s.unread = 0
	s.conn = models.ConnectionState{Status: models.ConnectionDisconnected}
	teardown := s.teardown
	s.signalLocked()
	s.mu.Unlock()

	if teardown != nil {
		teardown()
	}
}

func (s *Store) Notifications() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneList(s.notifications)
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.unread
}

func (s *Store) Connection() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn
}

// Contains reports whether an entry with id is held.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ids[id]
	return ok
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Notifications: cloneList(s.notifications),
		UnreadCount:   s.unread,
		Connection:    s.conn,
	}
}

func cloneList(list []models.Notification) []models.Notification {
	out := make([]models.Notification, len(list))
	for i, n := range list {
		out[i] = n.Clone()
	}
	return out
}
