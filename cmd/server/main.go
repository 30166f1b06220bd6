package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"unichat-realtime/internal/auth"
	"unichat-realtime/internal/config"
	"unichat-realtime/internal/membership"
	"unichat-realtime/internal/models"
	"unichat-realtime/internal/presence"
	"unichat-realtime/internal/redis"
	"unichat-realtime/internal/rooms"
	"unichat-realtime/internal/router"
	"unichat-realtime/internal/server"
	"unichat-realtime/internal/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	mongoClient, err := membership.Connect(ctx, membership.MongoConfig{
		URI:         cfg.MongoURI,
		Database:    cfg.MongoDatabase,
		MaxPoolSize: cfg.MongoMaxPool,
	}, logger)
	if err != nil {
		logger.Error("[MONGO] Failed to connect", "error", err)
		os.Exit(1)
	}
	defer mongoClient.Disconnect(context.Background())

	var source rooms.MembershipSource = membership.NewMongoSource(mongoClient.Database(cfg.MongoDatabase))
	checks := map[string]server.Pinger{
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
	}

	// Redis is an accelerator: without it the gateway reads membership
	// straight from Mongo and only learns of changes over HTTP.
	var (
		invalidator server.Invalidator
		publisher   server.Publisher
	)
	redisClient, err := redis.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Error("[REDIS] Running without membership cache", "error", err)
	} else {
		defer redisClient.Close()
		cached := membership.NewCachedSource(source, redisClient, cfg.MembershipCache, logger)
		source, invalidator = cached, cached
		publisher = redisClient
		checks["redis"] = redisClient.Ping
	}

	registry := presence.NewRegistry(logger)
	index := rooms.NewIndex(logger)
	resolver := rooms.NewResolver(source, logger)
	hub := ws.NewHub(registry, index, resolver, router.New(registry, index, logger), ws.Options{
		SendBuffer:     cfg.SendBuffer,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedOrigin:  cfg.AllowedOrigin,
	}, logger)
	go hub.Run(ctx)

	if redisClient != nil {
		onChange := server.MembershipChangeHandler(hub, invalidator, logger)
		go func() {
			err := redis.SubscribeToMembershipChanges(ctx, redisClient, func(ctx context.Context, change models.MembershipChange) {
				onChange(ctx, change)
			})
			if err != nil {
				logger.Error("[REDIS] Membership subscription failed", "error", err)
			}
		}()
	}

	r := server.SetupRouter(cfg.Mode, server.Deps{
		Hub:           hub,
		Identifier:    auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.AllowQueryUserID),
		Invalidator:   invalidator,
		Publisher:     publisher,
		Checks:        checks,
		InternalToken: cfg.InternalToken,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	go func() {
		logger.Info("Realtime gateway started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	logger.Info("Server exited gracefully")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
