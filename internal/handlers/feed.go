package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/opsdash-notify/internal/backfill"
	"github.com/stanstork/opsdash-notify/internal/models"
	"github.com/stanstork/opsdash-notify/internal/notification"
	"github.com/stanstork/opsdash-notify/internal/store"
	"github.com/stanstork/opsdash-notify/internal/stream"
)

// StatusSource is the part of stream.Manager the status endpoint needs.
type StatusSource interface {
	State() stream.State
}

// Pager is the part of backfill.Loader the feed endpoints need.
type Pager interface {
	Load(ctx context.Context) error
	LoadMore(ctx context.Context) error
	State() backfill.State
}

// FeedHandler exposes the local feed state for operators and scripts.
type FeedHandler struct {
	store  *store.Store
	status StatusSource
	pager  Pager
	reads  notification.Service
	logger zerolog.Logger
}

func NewFeedHandler(st *store.Store, status StatusSource, pager Pager, reads notification.Service, logger zerolog.Logger) *FeedHandler {
	return &FeedHandler{
		store:  st,
		status: status,
		pager:  pager,
		reads:  reads,
		logger: logger.With().Str("handler", "feed").Logger(),
	}
}

type feedResponse struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
	HasMore       bool                  `json:"hasMore"`
	TotalCount    int                   `json:"totalCount"`
	BackfillError string                `json:"backfillError,omitempty"`
}

func (h *FeedHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	list := snap.Notifications
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit >= 0 && limit < len(list) {
			list = list[:limit]
		}
	}

	pages := h.pager.State()
	resp := feedResponse{
		Notifications: list,
		UnreadCount:   snap.UnreadCount,
		HasMore:       pages.HasMore,
		TotalCount:    pages.TotalCount,
	}
	if pages.Err != nil {
		resp.BackfillError = pages.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectionResponse struct {
	Status            models.ConnectionStatus `json:"status"`
	Enabled           bool                    `json:"enabled"`
	ReconnectAttempts int                     `json:"reconnectAttempts"`
	RetryPending      bool                    `json:"retryPending"`
	RetryDelayMs      int64                   `json:"retryDelayMs,omitempty"`
	LastError         string                  `json:"lastError,omitempty"`
}

func (h *FeedHandler) Connection(w http.ResponseWriter, r *http.Request) {
	state := h.status.State()
	resp := connectionResponse{
		Status:            state.Status,
		Enabled:           state.Enabled && state.HasToken,
		ReconnectAttempts: state.ReconnectAttempts,
		RetryPending:      state.RetryPending,
		RetryDelayMs:      state.RetryDelay.Milliseconds(),
	}
	if err := h.store.Connection().LastError; err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *FeedHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}
	if !h.store.Contains(notifID) {
		http.Error(w, "Notification not found", http.StatusNotFound)
		return
	}
	h.finishRead(w, notifID, h.reads.MarkAsRead(r.Context(), notifID))
}

func (h *FeedHandler) MarkMultipleRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if len(payload.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)
		return
	}
	h.finishRead(w, "", h.reads.MarkMultipleAsRead(r.Context(), payload.IDs))
}

func (h *FeedHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.finishRead(w, "", h.reads.MarkAllAsRead(r.Context()))
}

// finishRead reports the local outcome. A backend failure still leaves the
// feed marked locally, so it is surfaced as 202 with the error.
func (h *FeedHandler) finishRead(w http.ResponseWriter, notifID string, err error) {
	resp := map[string]interface{}{"unreadCount": h.store.UnreadCount()}
	if err != nil {
		h.logger.Warn().Err(err).Str("notification_id", notifID).Msg("read state not confirmed by backend")
		resp["syncError"] = err.Error()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *FeedHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	if err := h.pager.LoadMore(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to load more notifications")
		http.Error(w, "Failed to load more notifications", http.StatusBadGateway)
		return
	}
	pages := h.pager.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"held":    len(h.store.Notifications()),
		"hasMore": pages.HasMore,
	})
}

// Reload replaces the held list with the backend's first page.
func (h *FeedHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.pager.Load(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to reload notifications")
		http.Error(w, "Failed to reload notifications", http.StatusBadGateway)
		return
	}
	pages := h.pager.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"held":        len(h.store.Notifications()),
		"hasMore":     pages.HasMore,
		"unreadCount": h.store.UnreadCount(),
	})
}
