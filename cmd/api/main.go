package main

import (
	"context"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"

	api "notification-fanout/internal/api"
	"notification-fanout/internal/auth"
	"notification-fanout/internal/config"
	"notification-fanout/internal/logging"
	"notification-fanout/internal/notification"
	"notification-fanout/internal/queue"
	"notification-fanout/internal/ratelimit"
	"notification-fanout/internal/report"
	"notification-fanout/internal/scheduler"
	"notification-fanout/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New("api", cfg.LogLevel, cfg.Env)
	ctx := context.Background()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q, err := queue.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init queue")
	}
	defer q.Close()

	exporter, err := report.NewExporter(ctx, cfg, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("init report exporter")
	}

	sched := scheduler.NewRedisScheduler(rdb, cfg.SchedulerKey)
	svc := notification.NewService(st, sched, auth.CurrentAdmin, logger)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(svc, verifier, limiter, exporter, q, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", httpServer.Addr).Str("queue_backend", cfg.QueueBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	exitCode := <-gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
	if exitCode != 0 {
		logger.Error().Int("exit_code", exitCode).Msg("shutdown completed with errors")
		os.Exit(exitCode)
	}
	logger.Info().Msg("shutdown complete")
}
