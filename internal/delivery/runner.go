package delivery

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"notification-fanout/internal/models"
	"notification-fanout/internal/queue"
	"notification-fanout/internal/telemetry"
)

// Handler processes one chunk message.
type Handler interface {
	Handle(ctx context.Context, msg models.ChunkMessage) error
}

type leaseExtender interface {
	ExtendLease(ctx context.Context, env queue.Envelope, extension time.Duration) error
}

type RunnerOptions struct {
	Concurrency    int
	BatchSize      int
	PollInterval   time.Duration
	Visibility     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Runner drives Concurrency receive loops over a transport.
type Runner struct {
	transport queue.Transport
	handler   Handler
	opts      RunnerOptions
	log       zerolog.Logger
}

func NewRunner(transport queue.Transport, handler Handler, opts RunnerOptions, log zerolog.Logger) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Runner{transport: transport, handler: handler, opts: opts, log: log}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Concurrency; i++ {
		loop := i
		g.Go(func() error {
			return r.loop(gctx, loop)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, id int) error {
	log := r.log.With().Int("loop", id).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.transport.Maintain(ctx, time.Now()); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("queue maintenance failed")
		}
		if depth, err := r.transport.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		envs, err := r.transport.Receive(ctx, r.opts.BatchSize)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("receive failed")
		}
		if len(envs) == 0 {
			if err := sleep(ctx, r.opts.PollInterval); err != nil {
				return err
			}
			continue
		}
		for _, env := range envs {
			r.process(ctx, env)
		}
	}
}

// process handles one envelope and settles it. Failures of one envelope never affect the
// others received in the same batch.
func (r *Runner) process(ctx context.Context, env queue.Envelope) {
	settle := context.WithoutCancel(ctx)
	log := r.log.With().Str("message_id", env.ID).Int("receives", env.Receives).Logger()

	if env.Malformed {
		log.Warn().Msg("malformed chunk message, dropping")
		r.ack(settle, env, "dropped")
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stop := r.keepLease(ctx, env)
	err := r.handler.Handle(ctx, env.Message)
	stop()

	switch {
	case err == nil:
		r.ack(settle, env, "acked")
	case errors.Is(err, ErrDrop):
		log.Warn().Err(err).Msg("dropping chunk")
		r.ack(settle, env, "dropped")
	default:
		delay := backoffWithJitter(r.opts.BackoffInitial, r.opts.BackoffMax, env.Receives)
		var te *TransientError
		if errors.As(err, &te) {
			log.Info().Err(err).Dur("retry_in", delay).Msg("transient failures, retrying chunk")
		} else {
			log.Error().Err(err).Dur("retry_in", delay).Msg("chunk failed, retrying")
		}
		if rerr := r.transport.Retry(settle, env, delay); rerr != nil {
			log.Error().Err(rerr).Msg("retry failed, message will reappear after its lease expires")
		}
		telemetry.WorkerMessages.WithLabelValues("retried").Inc()
	}
}

func (r *Runner) ack(ctx context.Context, env queue.Envelope, disposition string) {
	if err := r.transport.Ack(ctx, env); err != nil {
		r.log.Error().Err(err).Str("message_id", env.ID).Msg("ack failed")
	}
	telemetry.WorkerMessages.WithLabelValues(disposition).Inc()
}

// keepLease extends the visibility lease at half the visibility timeout while a message is
// being handled, for transports that support it.
func (r *Runner) keepLease(ctx context.Context, env queue.Envelope) func() {
	ext, ok := r.transport.(leaseExtender)
	if !ok || r.opts.Visibility <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.opts.Visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.ExtendLease(ctx, env, r.opts.Visibility); err != nil {
					r.log.Warn().Err(err).Str("message_id", env.ID).Msg("extend lease failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
