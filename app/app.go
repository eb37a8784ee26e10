// Package groupchat is the reference backend of the group chat: REST endpoints
// for history and sends, and the realtime hub that pushes room events.
package groupchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/peerlearn/groupchat/core"
	"github.com/peerlearn/groupchat/hub"
	"github.com/peerlearn/groupchat/pkg/router"
	"github.com/peerlearn/groupchat/store"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type App struct {
	config  *Config
	db      *store.SQLiteDB
	context context.Context
	cancel  context.CancelFunc
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router
	hub     *hub.Hub
	metrics *Metrics

	userStore     *store.UserStore
	authStore     *store.AuthStore
	messageStore  *store.MessageStore
	resourceStore *store.ResourceStore

	userHandler     *UserHandler
	authHandler     *AuthHandler
	chatHandler     *ChatHandler
	resourceHandler *ResourceHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

// NewLogger returns the text logger used by the server. Source paths are
// shortened to the file name.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the stores, the hub and the routes. The app stops when ctx is done.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{config: config, logger: logger, metrics: NewMetrics()}
	app.context, app.cancel = context.WithCancel(ctx)

	var err error
	app.db, err = store.NewSQLiteDB(config.SQLite.File, &store.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
		ForeignKeys: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app.userStore = store.NewUserStore(app.db.DB)
	app.authStore = store.NewAuthStore(app.userStore, config.Auth.Secret, store.WithTokenExp(config.Auth.TokenTTL))
	app.messageStore = store.NewMessageStore(app.db.DB)
	app.resourceStore = store.NewResourceStore(app.db.DB)

	app.hub = hub.NewHub(app.context, &app.wg,
		hub.WithLogger(app.logger.With(slog.String("component", "hub"))),
		hub.WithCheckOrigin(app.checkOrigin))
	app.hub.OnConnectionOpened(app.onConnectionOpen)
	app.hub.OnConnectionClosed(app.onConnectionClose)
	app.hub.OnRoomJoined(app.onRoomJoin)
	app.hub.On(core.JoinGroupEvent, app.JoinGroupHandler)
	app.hub.On(core.LeaveGroupEvent, app.LeaveGroupHandler)
	app.hub.On(core.TypingStartEvent, app.TypingStartHandler)
	app.hub.On(core.TypingStopEvent, app.TypingStopHandler)
	app.hub.Listen()

	app.userHandler = NewUserHandler(app.userStore)
	app.authHandler = NewAuthHandler(app.userStore, app.authStore)
	app.resourceHandler = NewResourceHandler(app.resourceStore)
	app.chatHandler = &ChatHandler{
		messages:     app.messageStore,
		hub:          app.hub,
		limiter:      newLimiterPool(config.RateLimit.RPS, config.RateLimit.Burst),
		metrics:      app.metrics,
		historyLimit: config.HistoryLimit,
		logger:       app.logger,
	}

	app.routes()

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = tlsConfig()
	}
	return app, nil
}

func (app *App) routes() {
	authMiddleware := JWTMiddleware(app.authStore)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.Router.Use(middleware.Recoverer)
	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.MapStatus(store.ErrConflictedUser, http.StatusConflict)
	app.router.MapStatus(store.ErrBadCredentials, http.StatusUnauthorized)
	app.router.MapStatus(store.ErrUserNotFound, http.StatusNotFound)
	app.router.MapStatus(store.ErrResourceNotFound, http.StatusNotFound)
	badRequest := func(err error) router.Error {
		return router.NewError(http.StatusBadRequest, err.Error())
	}
	app.router.RegisterErrorMapper(store.ErrInvalidMessage, badRequest)
	app.router.RegisterErrorMapper(store.ErrInvalidResource, badRequest)

	app.router.Router.Handle("/metrics", app.metrics.Handler())
	app.router.With(authMiddleware).Get("/ws", app.WSHandler)

	app.router.Route("/api", func(r *router.Router) {
		r.Route("/auth", func(r *router.Router) {
			r.Post("/register", app.authHandler.RegisterHandler)
			r.Post("/login", app.authHandler.LoginHandler)
		})

		r.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Get("/users/me", app.userHandler.MeHandler)
			r.Get("/chat/group/{roomId}", app.chatHandler.HistoryHandler)
			r.Post("/chat/send", app.chatHandler.SendHandler)
			r.Post("/resources", app.resourceHandler.CreateHandler)
			r.Get("/resources/group/{roomId}", app.resourceHandler.RoomResourcesHandler)
		})
	})
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || lo.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(app.config.AllowedOrigins, origin)
}

// Handler returns the root HTTP handler.
func (app *App) Handler() http.Handler {
	return app.router
}

// Start serves until the app context is done or the server fails, then shuts
// down gracefully.
func (app *App) Start() error {
	g, ctx := errgroup.WithContext(app.context)

	g.Go(func() error {
		app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, app.server.Addr))
		var err error
		if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		return app.Shutdown(closeCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting requests, closes every realtime connection, waits
// for the hub to drain and runs the cleanup functions.
func (app *App) Shutdown(ctx context.Context) error {
	err := app.server.Shutdown(ctx)
	app.cancel()
	app.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
	case <-ctx.Done():
		app.logger.Warn("app shutdown timed out")
		err = errors.Join(err, ctx.Err())
	}

	for _, f := range app.cleanupFuncs {
		f(ctx)
	}
	return err
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}
