package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/api"
	"github.com/eldtechnologies/msgsync/internal/cache"
	"github.com/eldtechnologies/msgsync/internal/config"
	"github.com/eldtechnologies/msgsync/internal/engine"
	"github.com/eldtechnologies/msgsync/internal/netmon"
	"github.com/eldtechnologies/msgsync/internal/queue"
	"github.com/eldtechnologies/msgsync/internal/reconcile"
	"github.com/eldtechnologies/msgsync/internal/remote"
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

	senderID := cfg.SenderID
	if senderID == "" {
		senderID = uuid.NewString()
		logger.Warn().Str("sender_id", senderID).Msg("MSGSYNC_SENDER_ID not set, generated one")
	}

	// Remote store: Redis when configured, HTTP polling otherwise
	var store remote.Store
	switch {
	case cfg.RedisURL != "":
		rs, err := remote.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rs.Close()
		store = rs
		logger.Info().Msg("using Redis remote store")
	case cfg.HTTPURL != "":
		store = remote.NewHTTP(cfg.HTTPURL, logger)
		logger.Info().Str("url", cfg.HTTPURL).Msg("using HTTP remote store")
	default:
		logger.Fatal().Msg("MSGSYNC_REDIS_URL or MSGSYNC_REMOTE_URL is required")
	}

	// Durable offline queue
	q, err := queue.Open(cfg.QueuePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("offline queue open failed")
	}
	defer q.Close()

	// Best-effort persistent ledger cache
	var ledgerCache cache.Cache
	switch cfg.CacheBackend {
	case "redis":
		ledgerCache, err = cache.NewRedisCache(ctx, cfg.RedisURL, logger)
	case "postgres":
		ledgerCache, err = cache.NewPostgresCache(ctx, cfg.DatabaseURL, logger)
	case "none":
		ledgerCache = cache.Nop{}
	default:
		ledgerCache, err = cache.NewSQLiteCache(cfg.CachePath, logger)
	}
	if err != nil {
		// The cache is best-effort by contract; run without it.
		logger.Warn().Err(err).Msg("cache unavailable, running without persistence")
		ledgerCache = cache.Nop{}
	}
	defer ledgerCache.Close()

	monitor := netmon.New(cfg.ReconnectDebounce)
	monitor.SetConnected(true)

	eng, err := engine.New(engine.Options{
		Feed:          store,
		Writer:        store,
		Cache:         ledgerCache,
		Queue:         q,
		Monitor:       monitor,
		Reconciler:    reconcile.New(cfg.TextTolerance, cfg.AttachmentTolerance, logger),
		SenderID:      senderID,
		DrainInterval: cfg.DrainInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("engine init failed")
	}
	defer eng.Close()

	// Create router
	router := api.NewRouter(logger, eng)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("env", cfg.Env).
			Msg("starting msgsync daemon")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("stopped")
}
