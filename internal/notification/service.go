// Package notification reconciles read-state changes between the local feed
// and the backend.
package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/stanstork/opsdash-notify/internal/repository"
	"github.com/stanstork/opsdash-notify/internal/store"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
)

// Service applies read-state changes to the store first, then pushes the ids
// that actually changed to the backend. A backend failure is logged and
// returned but never rolled back locally; the next backfill re-syncs.
type Service interface {
	MarkAsRead(ctx context.Context, id string) error
	MarkMultipleAsRead(ctx context.Context, ids []string) error
	MarkAllAsRead(ctx context.Context) error
}

type RetryConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

type service struct {
	repo   repository.NotificationRepository
	store  *store.Store
	retry  RetryConfig
	logger zerolog.Logger
}

func NewService(repo repository.NotificationRepository, st *store.Store, cfg RetryConfig, logger zerolog.Logger) Service {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &service{
		repo:   repo,
		store:  st,
		retry:  cfg,
		logger: logger.With().Str("component", "read_sync").Logger(),
	}
}

func (s *service) MarkAsRead(ctx context.Context, id string) error {
	if !s.store.MarkAsRead(id) {
		return nil
	}
	return s.sync(ctx, []string{id})
}

func (s *service) MarkMultipleAsRead(ctx context.Context, ids []string) error {
	return s.sync(ctx, s.store.MarkMultipleAsRead(ids))
}

func (s *service) MarkAllAsRead(ctx context.Context) error {
	return s.sync(ctx, s.store.MarkAllAsRead())
}

func (s *service) sync(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	attempts := 0
	backoff := retry.WithMaxRetries(s.retry.MaxRetries, retry.NewExponential(s.retry.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := s.repo.MarkRead(ctx, ids)
		if err != nil && repository.IsRetryable(err) {
			s.logger.Debug().Err(err).Int("attempt", attempts).Msg("mark read failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Strs("notification_ids", ids).
			Int("attempts", attempts).
			Msg("failed to sync read state; keeping local state until next backfill")
		return err
	}

	s.logger.Debug().Int("count", len(ids)).Msg("read state synced")
	return nil
}
