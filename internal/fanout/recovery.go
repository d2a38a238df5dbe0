package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"notification-fanout/internal/models"
	"notification-fanout/internal/notification"
	"notification-fanout/internal/scheduler"
	"notification-fanout/internal/telemetry"
)

// StuckNotifications finds fan-outs whose invocation died while PROCESSING.
type StuckNotifications interface {
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.Notification, error)
	TransitionStatus(ctx context.Context, id string, from, to models.NotificationStatus) (bool, error)
}

// Rescheduler registers a schedule.
type Rescheduler interface {
	CreateOrUpdateSchedule(ctx context.Context, name string, fireAt time.Time, target scheduler.Target) error
}

// Recovery returns notifications left in PROCESSING by a crashed fan-out to SCHEDULED and
// registers them to fire immediately.
type Recovery struct {
	notifications StuckNotifications
	schedules     Rescheduler
	staleAfter    time.Duration
	limit         int
	now           func() time.Time
	log           zerolog.Logger
}

func NewRecovery(notifications StuckNotifications, schedules Rescheduler, staleAfter time.Duration, limit int, log zerolog.Logger) *Recovery {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &Recovery{
		notifications: notifications,
		schedules:     schedules,
		staleAfter:    staleAfter,
		limit:         limit,
		now:           time.Now,
		log:           log,
	}
}

// Sweep returns the number of notifications put back on the schedule.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	stuck, err := r.notifications.ListStaleProcessing(ctx, now.Add(-r.staleAfter), r.limit)
	if err != nil {
		return 0, fmt.Errorf("list stale processing: %w", err)
	}

	recovered := 0
	for _, n := range stuck {
		name := notification.JobName(n.ID)
		if n.SchedulerJobName != nil {
			name = *n.SchedulerJobName
		}
		// Registered first: a schedule firing for a notification that is not SCHEDULED is
		// skipped, while a SCHEDULED notification without a schedule is never sent.
		if err := r.schedules.CreateOrUpdateSchedule(ctx, name, now, scheduler.Target{NotificationID: n.ID}); err != nil {
			return recovered, fmt.Errorf("reschedule %s: %w", n.ID, err)
		}
		ok, err := r.notifications.TransitionStatus(ctx, n.ID, models.NotificationProcessing, models.NotificationScheduled)
		if err != nil {
			return recovered, fmt.Errorf("reset notification %s: %w", n.ID, err)
		}
		if !ok {
			continue
		}
		recovered++
		telemetry.FanoutRecovered.Inc()
		r.log.Warn().Str("notification_id", n.ID).Str("scheduler_job", name).Time("stuck_since", n.UpdatedAt).
			Msg("recovered stalled fan-out")
	}
	return recovered, nil
}
