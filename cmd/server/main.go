package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"livechat/internal/chat"
	"livechat/internal/config"
	"livechat/internal/db"
	"livechat/internal/logging"
	myMiddleware "livechat/internal/middleware"
	"livechat/internal/notify"
	"livechat/internal/telemetry"
	"livechat/internal/user"
)

const serviceName = "livechat"

func main() {
	if err := run(); err != nil {
		logger := logging.New(os.Stderr, "error", "json")
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("trace flush failed")
		}
	}()

	// 2. Connect to Database
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info().Msg("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}

	// 3. Connect to Redis
	rdb, err := notify.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	// 4. Users & auth
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Realtime
	chatHandler := chat.NewHandler(chat.Config{
		Registry:      chat.NewRegistry(),
		Store:         chat.NewRepository(database.Conn),
		Notifier:      notify.NewQueue(rdb, cfg.NotifyStream, logger),
		Authenticator: userService,
		Client: chat.ClientConfig{
			WriteWait:      cfg.WriteWait,
			PongWait:       cfg.PongWait,
			MaxMessageSize: cfg.MaxMessageSize,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		Logger: logger,
	})

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(logger))

	// The socket is long-lived and authenticates after the upgrade.
	r.Get("/ws", chatHandler.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(accessLog)
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handle)
			r.Get("/api/presence", chatHandler.ListOnline)
			r.Get("/api/presence/{userID}", chatHandler.UserStatus)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting first. Hijacked sockets are not tracked by the http
		// server, so CloseAll drains them afterwards.
		shutdownErr := srv.Shutdown(shutdownCtx)
		if err := chatHandler.CloseAll(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("connections did not drain in time")
		}
		return shutdownErr
	})

	return g.Wait()
}

func accessLog(next http.Handler) http.Handler {
	return hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
}
