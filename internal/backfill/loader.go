// Package backfill pages historical notifications from the backend into the
// store.
package backfill

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/opsdash-notify/internal/models"
	"github.com/stanstork/opsdash-notify/internal/repository"
	"github.com/stanstork/opsdash-notify/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Source is the paginated history read. repository.NotificationRepository
// satisfies it.
type Source interface {
	List(ctx context.Context, params repository.ListNotificationsParams) (models.NotificationPage, error)
}

// LoadError is a failed page fetch. The store is left as it was, so the caller
// may simply call the same operation again.
type LoadError struct {
	Op     string
	Cursor string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Cursor == "" {
		return fmt.Sprintf("backfill %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backfill %s after %q: %v", e.Op, e.Cursor, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// State projects the last page info seen from the backend.
type State struct {
	UnreadCount int
	TotalCount  int
	HasMore     bool
	Loaded      bool
	Loading     bool
	Err         error
}

type Options struct {
	PageSize int
	Filter   models.NotificationFilter
}

type Loader struct {
	source Source
	store  *store.Store
	opts   Options
	logger zerolog.Logger

	// fetch serializes page requests so cursors are consumed in order.
	fetch sync.Mutex

	mu        sync.RWMutex
	cursor    string
	hasNext   bool
	unread    int
	total     int
	loaded    bool
	loading   bool
	lastError error
}

func NewLoader(source Source, st *store.Store, opts Options, logger zerolog.Logger) *Loader {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}
	return &Loader{
		source: source,
		store:  st,
		opts:   opts,
		logger: logger.With().Str("component", "backfill").Logger(),
	}
}

// Load fetches the first page and replaces the store's list with it. Calling
// it again re-syncs the list from the backend.
func (l *Loader) Load(ctx context.Context) error {
	l.fetch.Lock()
	defer l.fetch.Unlock()

	return l.loadFirst(ctx)
}

func (l *Loader) loadFirst(ctx context.Context) error {
	page, err := l.fetchPage(ctx, "load", "")
	if err != nil {
		return err
	}

	l.store.SetNotifications(page.Notifications)
	l.apply(page)

	l.logger.Info().
		Int("count", len(page.Notifications)).
		Int("unread", page.UnreadCount).
		Bool("has_more", page.PageInfo.HasNextPage).
		Msg("initial page loaded")
	return nil
}

// LoadMore fetches the page after the last known cursor and merges it at the
// tail. Until a first page has loaded it performs the initial load instead,
// so it doubles as the retry after a failed Load. It returns early when the
// backend reported no further pages.
func (l *Loader) LoadMore(ctx context.Context) error {
	l.fetch.Lock()
	defer l.fetch.Unlock()

	l.mu.RLock()
	loaded, hasNext, cursor := l.loaded, l.hasNext, l.cursor
	l.mu.RUnlock()
	if !loaded {
		return l.loadFirst(ctx)
	}
	if !hasNext {
		return nil
	}

	page, err := l.fetchPage(ctx, "load more", cursor)
	if err != nil {
		return err
	}

	added := l.store.AppendNotifications(page.Notifications)
	l.apply(page)

	l.logger.Info().
		Str("cursor", cursor).
		Int("count", len(page.Notifications)).
		Int("added", added).
		Bool("has_more", page.PageInfo.HasNextPage).
		Msg("page merged")
	return nil
}

func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return State{
		UnreadCount: l.unread,
		TotalCount:  l.total,
		HasMore:     l.hasNext,
		Loaded:      l.loaded,
		Loading:     l.loading,
		Err:         l.lastError,
	}
}

func (l *Loader) fetchPage(ctx context.Context, op, cursor string) (models.NotificationPage, error) {
	l.setLoading(true)
	defer l.setLoading(false)

	page, err := l.source.List(ctx, repository.ListNotificationsParams{
		First:  l.opts.PageSize,
		After:  cursor,
		Filter: l.opts.Filter,
	})
	if err != nil {
		loadErr := &LoadError{Op: op, Cursor: cursor, Err: errors.Wrap(err, "fetch page")}

		l.mu.Lock()
		l.lastError = loadErr
		l.mu.Unlock()

		l.logger.Warn().Err(err).Str("op", op).Str("cursor", cursor).Msg("backfill failed")
		return models.NotificationPage{}, loadErr
	}
	return page, nil
}

func (l *Loader) apply(page models.NotificationPage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hasNext = page.PageInfo.HasNextPage
	l.cursor = page.PageInfo.EndCursor
	l.unread = page.UnreadCount
	l.total = page.TotalCount
	l.loaded = true
	l.lastError = nil
}

func (l *Loader) setLoading(v bool) {
	l.mu.Lock()
	l.loading = v
	l.mu.Unlock()
}
