package fanout

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"notification-fanout/internal/scheduler"
	"notification-fanout/internal/telemetry"
)

// Schedules is the external scheduler as seen by the dispatcher.
type Schedules interface {
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]scheduler.Claim, error)
	Complete(ctx context.Context, claim scheduler.Claim) (bool, error)
	CreateOrUpdateSchedule(ctx context.Context, name string, fireAt time.Time, target scheduler.Target) error
}

// Dispatcher fires due schedules into the coordinator.
type Dispatcher struct {
	schedules   Schedules
	coordinator *Coordinator
	batchSize   int
	claimLease  time.Duration
	retryDelay  time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

func NewDispatcher(schedules Schedules, coordinator *Coordinator, batchSize int, claimLease, retryDelay time.Duration, log zerolog.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 20
	}
	if claimLease <= 0 {
		claimLease = 5 * time.Minute
	}
	return &Dispatcher{
		schedules:   schedules,
		coordinator: coordinator,
		batchSize:   batchSize,
		claimLease:  claimLease,
		retryDelay:  retryDelay,
		now:         time.Now,
		log:         log,
	}
}

// Tick claims due schedules and runs each. A schedule is removed only after its run
// returned; a failed run is put back on the schedule at now+retryDelay, and a claim whose
// dispatcher died fires again when its lease expires. It returns the number of schedules
// claimed.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	claims, err := d.schedules.ClaimDue(ctx, d.now(), d.claimLease, d.batchSize)
	if err != nil {
		return 0, err
	}
	telemetry.SchedulesClaimed.Add(float64(len(claims)))

	for _, claim := range claims {
		res, err := d.coordinator.Run(ctx, claim.Target.NotificationID)
		if err == nil {
			if res.Skipped {
				d.log.Debug().Str("schedule", claim.Name).Msg("schedule fired for notification that needs no fan-out")
			}
			if _, cerr := d.schedules.Complete(context.WithoutCancel(ctx), claim); cerr != nil {
				d.log.Warn().Err(cerr).Str("schedule", claim.Name).Msg("could not complete schedule, it will fire again")
			}
			continue
		}

		retryAt := d.now().Add(d.retryDelay)
		d.log.Error().Err(err).Str("schedule", claim.Name).Time("retry_at", retryAt).Msg("fan-out failed, rescheduling")
		if rerr := d.schedules.CreateOrUpdateSchedule(context.WithoutCancel(ctx), claim.Name, retryAt, claim.Target); rerr != nil {
			d.log.Error().Err(rerr).Str("schedule", claim.Name).Str("notification_id", claim.Target.NotificationID).
				Msg("could not reschedule failed fan-out")
		}
	}
	return len(claims), nil
}
