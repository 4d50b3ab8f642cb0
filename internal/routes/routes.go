package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/opsdash-notify/internal/handlers"
)

// NewRouter sets up the local status API.
func NewRouter(feed *handlers.FeedHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connection", feed.Connection).Methods(http.MethodGet)
	api.HandleFunc("/notifications", feed.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read", feed.MarkMultipleRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/read-all", feed.MarkAllRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/load-more", feed.LoadMore).Methods(http.MethodPost)
	api.HandleFunc("/notifications/reload", feed.Reload).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/read", feed.MarkRead).Methods(http.MethodPost)

	return router
}
