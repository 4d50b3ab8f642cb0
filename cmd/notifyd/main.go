package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stanstork/opsdash-notify/internal/authz"
	"github.com/stanstork/opsdash-notify/internal/backfill"
	"github.com/stanstork/opsdash-notify/internal/config"
	"github.com/stanstork/opsdash-notify/internal/delivery"
	"github.com/stanstork/opsdash-notify/internal/handlers"
	"github.com/stanstork/opsdash-notify/internal/logging"
	"github.com/stanstork/opsdash-notify/internal/middleware"
	"github.com/stanstork/opsdash-notify/internal/models"
	"github.com/stanstork/opsdash-notify/internal/notification"
	"github.com/stanstork/opsdash-notify/internal/reconnect"
	"github.com/stanstork/opsdash-notify/internal/repository"
	"github.com/stanstork/opsdash-notify/internal/routes"
	"github.com/stanstork/opsdash-notify/internal/store"
	"github.com/stanstork/opsdash-notify/internal/stream"
)

type application struct {
	config  *config.Config
	logger  zerolog.Logger
	store   *store.Store
	loader  *backfill.Loader
	manager *stream.Manager
	reads   notification.Service
}

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("OPSDASH_CONFIG"))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger := logging.New(cfg.Log)
	log.SetFlags(0)
	log.SetOutput(logger)

	inspectToken(cfg.Stream.Token, logger)

	app := newApplication(cfg, logger)
	app.run()

	logger.Info().Msg("notifyd terminated.")
}

func inspectToken(token string, logger zerolog.Logger) {
	if token == "" {
		logger.Warn().Msg("No stream token configured; live updates stay disconnected")
		return
	}
	id, err := authz.Inspect(token)
	if err != nil {
		logger.Warn().Err(err).Msg("Stream token is not a readable JWT; the backend will decide")
		return
	}
	evt := logger.Info().Str("user_id", id.UserID).Str("tenant_id", id.TenantID).Str("role", id.Role())
	if id.ExpiresAt != nil {
		evt = evt.Time("expires_at", *id.ExpiresAt)
	}
	evt.Msg("Using dashboard identity")
	if id.Expired(time.Now()) {
		logger.Warn().Msg("Stream token has already expired; expect the handshake to be rejected")
	}
}

func newApplication(cfg *config.Config, logger zerolog.Logger) *application {
	logged := middleware.LoggingTransport(logger)

	apiClient := repository.NewClient(cfg.API.BaseURL, cfg.Stream.Token, &http.Client{
		Timeout:   cfg.API.Timeout,
		Transport: logged(http.DefaultTransport),
	})
	repo := repository.NewNotificationRepository(apiClient)

	st := store.New(nil)
	loader := backfill.NewLoader(repo, st, backfill.Options{
		PageSize: cfg.Backfill.PageSize,
		Filter:   cfg.Backfill.Filter(),
	}, logger)

	consumers := delivery.NewFanout(logger, delivery.NewLogConsumer(logger))
	manager := stream.NewManager(stream.ManagerConfig{
		Store: st,
		// No client timeout: the push connection is long-lived.
		Transport: stream.NewHTTPTransport(cfg.API.BaseURL, cfg.Stream.Path, &http.Client{
			Transport: logged(http.DefaultTransport),
		}),
		Consumer: consumers,
		Policy:   reconnect.Policy{Base: cfg.Reconnect.BaseDelay, Max: cfg.Reconnect.MaxDelay},
		Logger:   logger,
	})

	reads := notification.NewService(repo, st, notification.RetryConfig{
		MaxRetries: cfg.ReadSync.MaxRetries,
		BaseDelay:  cfg.ReadSync.BaseDelay,
	}, logger)

	return &application{
		config:  cfg,
		logger:  logger,
		store:   st,
		loader:  loader,
		manager: manager,
		reads:   reads,
	}
}

// run seeds the feed, opens the stream and blocks until SIGINT or SIGTERM.
// SIGUSR1 marks everything read, SIGUSR2 loads the next history page (or
// retries the first one), SIGHUP reloads the history from scratch.
func (app *application) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.loader.Load(ctx); err != nil {
		app.logger.Error().Err(err).Msg("Initial backfill failed; continuing with live updates only")
	}
	app.manager.Configure(app.config.Stream.Enabled, app.config.Stream.Token)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.watchStatus(ctx)
		return nil
	})
	if app.config.Server.Addr != "" {
		server := &http.Server{Addr: app.config.Server.Addr, Handler: app.initRouter()}
		g.Go(func() error {
			app.logger.Info().Msgf("Status API listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(quit)

wait:
	for {
		select {
		case sig := <-quit:
			if app.handleSignal(ctx, sig) {
				break wait
			}
		case <-ctx.Done():
			// A background task failed.
			break wait
		}
	}

	cancel()
	if err := g.Wait(); err != nil {
		app.logger.Error().Err(err).Msg("Background task failed")
	}

	app.logger.Info().Msg("Disconnecting notification stream...")
	app.manager.Disconnect()
	app.store.Reset()
}

func (app *application) initRouter() http.Handler {
	feed := handlers.NewFeedHandler(app.store, app.manager, app.loader, app.reads, app.logger)
	router := routes.NewRouter(feed)
	logged := middleware.LoggingMiddleware(app.logger)(router)
	return h.CORS(
		h.AllowedOrigins(app.config.Server.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type"}),
	)(logged)
}

// handleSignal reports whether sig asks for shutdown.
func (app *application) handleSignal(ctx context.Context, sig os.Signal) bool {
	switch sig {
	case syscall.SIGUSR1:
		if err := app.reads.MarkAllAsRead(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("Mark all read not confirmed by backend")
		}
		return false
	case syscall.SIGHUP:
		if err := app.loader.Load(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("Reloading history failed")
		}
		return false
	case syscall.SIGUSR2:
		if err := app.loader.LoadMore(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("Loading more history failed")
		}
		return false
	default:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
		return true
	}
}

// watchStatus logs connection status transitions and unread count changes.
func (app *application) watchStatus(ctx context.Context) {
	changes, unsubscribe := app.store.Subscribe()
	defer unsubscribe()

	var lastStatus models.ConnectionStatus
	lastUnread := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}

		snap := app.store.Snapshot()
		if snap.Connection.Status != lastStatus {
			evt := app.logger.Info().
				Str("status", string(snap.Connection.Status)).
				Int("reconnect_attempts", snap.Connection.ReconnectAttempts)
			if snap.Connection.LastError != nil {
				evt = evt.AnErr("last_error", snap.Connection.LastError)
			}
			evt.Msg("Connection status changed")
			lastStatus = snap.Connection.Status
		}
		if snap.UnreadCount != lastUnread {
			app.logger.Info().
				Int("unread", snap.UnreadCount).
				Int("held", len(snap.Notifications)).
				Msg("Unread count changed")
			lastUnread = snap.UnreadCount
		}
	}
}
