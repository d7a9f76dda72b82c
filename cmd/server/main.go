package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/api"
	"github.com/communicationx/realtime/internal/api/middleware"
	"github.com/communicationx/realtime/internal/call"
	"github.com/communicationx/realtime/internal/config"
	"github.com/communicationx/realtime/internal/delivery"
	"github.com/communicationx/realtime/internal/handlers"
	"github.com/communicationx/realtime/internal/presence"
	"github.com/communicationx/realtime/internal/registry"
	"github.com/communicationx/realtime/internal/signaling"
	"github.com/communicationx/realtime/internal/store"
	"github.com/communicationx/realtime/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize Redis store (message store + durable last-seen)
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Initialize PostgreSQL receipt archive
	var pgStore *store.PostgresStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}

		var err error
		pgStore, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		logger.Info().Msg("connected to PostgreSQL")
	}

	// Wire the realtime core. Each component is an explicit instance:
	// no global singletons, so tests can build isolated stacks.
	reg := registry.New(logger)

	var lastSeen presence.LastSeenStore
	var msgs store.MessageStore
	if redisStore != nil {
		lastSeen = redisStore
		msgs = redisStore
	}
	pres := presence.NewTracker(logger, reg, lastSeen)

	coordinator := call.NewCoordinator(logger, reg, cfg.CallRingTimeout)
	relay := signaling.NewRelay(logger, coordinator, reg)

	var archive delivery.Archive
	if pgStore != nil {
		archive = pgStore
	}
	tracker := delivery.NewTracker(logger, reg, archive)

	ws := transport.NewServer(logger, reg, pres, coordinator, relay, tracker, cfg.WSSendBuffer)

	// Create router
	h := handlers.NewHandler(reg, pres, coordinator, tracker, msgs, redisStore, pgStore)
	var limiterClient *redis.Client
	if redisStore != nil {
		limiterClient = redisStore.Client()
	}
	limiter := middleware.NewRateLimiter(limiterClient, logger, cfg.RateLimitPerMinute)
	router := api.NewRouter(logger, h, ws, limiter)

	// Create server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket connections.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting CommX realtime server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
