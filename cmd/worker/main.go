package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"notification-fanout/internal/config"
	"notification-fanout/internal/delivery"
	"notification-fanout/internal/logging"
	"notification-fanout/internal/mail"
	"notification-fanout/internal/queue"
	"notification-fanout/internal/ratelimit"
	"notification-fanout/internal/store"
	"notification-fanout/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New("worker", cfg.LogLevel, cfg.Env)
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

	q, err := queue.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init queue")
	}
	defer q.Close()

	provider, err := mail.NewProvider(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init mail provider")
	}

	opts := mail.Options{MaxBatch: cfg.MailMaxBatch, GroupDelay: cfg.MailGroupDelay}
	if cfg.MailRatePerSec > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		burst := int(math.Max(1, math.Ceil(cfg.MailRatePerSec)))
		opts.Shared = ratelimit.NewTokenBucket(rdb, burst, cfg.MailRatePerSec, time.Hour)
	}
	gateway := mail.NewGateway(provider, opts, logger)

	worker := delivery.NewWorker(st, gateway, cfg.DeliveryMaxAttempts, logger).WithSendLease(cfg.SendLease)
	runner := delivery.NewRunner(q, worker, delivery.RunnerOptions{
		Concurrency:    cfg.WorkerConcurrency,
		BatchSize:      cfg.ReceiveBatchSize,
		PollInterval:   cfg.WorkerPollInterval,
		Visibility:     cfg.VisibilityTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger)
	sweeper := delivery.NewSweeper(st, q, cfg.StaleAfter, cfg.SweepBatchSize, logger)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(func() {
		if _, err := sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sweep failed")
		}
	}))
	c.Start()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	logger.Info().
		Str("provider", provider.Name()).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker started")

	exitCode := <-gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"runner": func(ctx context.Context) error {
			cancel()
			select {
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"sweeper": func(ctx context.Context) error {
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
