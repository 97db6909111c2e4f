package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-chat/internal/broadcast"
	"github.com/a-essam23/go-chat/internal/chat"
	"github.com/a-essam23/go-chat/internal/router"
	"github.com/a-essam23/go-chat/internal/server/api"
	"github.com/a-essam23/go-chat/internal/server/middleware"
	"github.com/a-essam23/go-chat/pkg/config"
	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/a-essam23/go-chat/pkg/state/statemanager"
	"github.com/a-essam23/go-chat/pkg/state/typing"
	"github.com/a-essam23/go-chat/pkg/store"
	"github.com/a-essam23/go-chat/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	errShutdown = errors.New("server shutting down")
	errCycled   = errors.New("connection cycled by new connection")
)

// disconnectTimeout bounds the store work done when a connection closes.
const disconnectTimeout = 5 * time.Second

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	controller   *chat.Controller
	eventRouter  *router.EventRouter
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config
}

// NewApp wires the chat core on top of st. The caller keeps ownership of st.
func NewApp(logger *slog.Logger, cfg *config.Config, st store.Store) (*App, error) {
	stateManager := statemanager.NewInMemoryManager(logger)
	broadcaster := broadcast.NewRouter(stateManager, logger)
	controller := chat.NewController(st, stateManager, typing.New(cfg.Chat.TypingTTL), broadcaster, chat.Config{
		HistoryLimit:           cfg.Chat.HistoryLimit,
		MaxContentLength:       cfg.Chat.MaxContentLength,
		TypingTTL:              cfg.Chat.TypingTTL,
		DefaultMaxParticipants: cfg.Chat.DefaultMaxParticipants,
	}, logger)

	eventRouter, err := router.NewEventRouter(logger, broadcaster, cfg.Chat.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to build event router: %w", err)
	}
	router.RegisterChatHandlers(eventRouter, controller)

	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		stateManager: stateManager,
		controller:   controller,
		eventRouter:  eventRouter,
		config:       cfg,
	}

	connCounter := middleware.UserConnectionCounter(stateManager.GetUserConnectionCount)
	connCycler := func(userID string) {
		if oldest, found := stateManager.FindOldestUserConnection(userID); found {
			app.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.Any("connID", oldest.ID))
			oldest.Transport.Close(errCycled)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(http.HandlerFunc(app.upgradeHandler),
		middleware.NewConnectionLimiter(logger, connCounter, connCycler, cfg.Server.ConnectionLimit),
	))
	api.NewHandler(st, controller, stateManager, logger).Register(mux)

	handler := middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, cfg.Server.Auth.Required),
	)
	app.http = &http.Server{Addr: cfg.Server.Address, Handler: handler}
	return app, nil
}

// Handler exposes the full HTTP surface, websocket included.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.http.Addr, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	opts := &websocket.AcceptOptions{OriginPatterns: a.config.Server.AllowedOrigins}
	if len(opts.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	if _, err := a.stateManager.RegisterConnection(conn, reqMeta.IP, reqMeta.UserID); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		wsConn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Connection closed, disconnecting", slog.String("connID", id.String()), slog.Any("reason", err))
		a.eventRouter.Forget(id)
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		a.controller.Disconnect(ctx, id)
	})

	connLogger.Info("Connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown stops accepting requests, closes every live connection and waits
// for their disconnect handling to finish.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	err := a.http.Shutdown(shutdownCtx)

	conns := a.stateManager.AllConnections()
	a.logger.Info("Closing all active connections...", slog.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Transport.Close(errShutdown)
	}

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return err
}
