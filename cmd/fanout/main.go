package main

import (
	"context"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"notification-fanout/internal/audience"
	"notification-fanout/internal/config"
	"notification-fanout/internal/fanout"
	"notification-fanout/internal/logging"
	"notification-fanout/internal/queue"
	"notification-fanout/internal/scheduler"
	"notification-fanout/internal/store"
	"notification-fanout/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New("fanout", cfg.LogLevel, cfg.Env)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	resolver := audience.NewResolver(st, cfg.PageSize, logger)
	coordinator := fanout.NewCoordinator(st, resolver, q, cfg.ChunkSize, logger)
	schedules := scheduler.NewRedisScheduler(rdb, cfg.SchedulerKey)
	dispatcher := fanout.NewDispatcher(schedules, coordinator, cfg.DispatchBatchSize, cfg.FanoutClaimLease, cfg.FanoutRetryDelay, logger)
	recovery := fanout.NewRecovery(st, schedules, cfg.ProcessingStale, cfg.DispatchBatchSize, logger)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(cfg.DispatchInterval), cron.FuncJob(func() {
		if _, err := dispatcher.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("dispatch tick failed")
		}
	}))
	c.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(func() {
		if _, err := recovery.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("fanout recovery failed")
		}
	}))
	c.Start()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Dur("dispatch_interval", cfg.DispatchInterval).Int("chunk_size", cfg.ChunkSize).Msg("fanout started")

	exitCode := <-gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"dispatcher": func(ctx context.Context) error {
			cancel()
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"metrics": func(ctx context.Context) error {
			return metrics.Shutdown(ctx)
		},
	})
	if exitCode != 0 {
		logger.Error().Int("exit_code", exitCode).Msg("shutdown completed with errors")
		os.Exit(exitCode)
	}
	logger.Info().Msg("shutdown complete")
}
