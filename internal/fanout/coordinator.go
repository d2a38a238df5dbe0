// Package fanout turns a due notification into chunk messages on the delivery queue.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notification-fanout/internal/audience"
	"notification-fanout/internal/models"
	"notification-fanout/internal/store"
	"notification-fanout/internal/telemetry"
)

// Notifications is the slice of the store the coordinator needs.
type Notifications interface {
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	TransitionStatus(ctx context.Context, id string, from, to models.NotificationStatus) (bool, error)
}

// Publisher enqueues chunk messages.
type Publisher interface {
	PublishBatch(ctx context.Context, msgs []models.ChunkMessage) error
}

// Stage names the step a fan-out failed in.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageClaim    Stage = "claim"
	StageResolve  Stage = "resolve"
	StagePublish  Stage = "publish"
	StageComplete Stage = "complete"
)

// Error is returned by Run for any failure. Failures after the notification entered
// PROCESSING have already been rolled back to SCHEDULED when possible.
type Error struct {
	Stage          Stage
	NotificationID string
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fan-out %s failed at %s: %v", e.NotificationID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result summarises one Run.
type Result struct {
	// Skipped is set when the notification was missing or not SCHEDULED, or another
	// invocation won the claim.
	Skipped    bool
	Pages      int
	Chunks     int
	Recipients int
}

type Coordinator struct {
	notifications Notifications
	resolver      *audience.Resolver
	publisher     Publisher
	chunkSize     int
	newBatchID    func() string
	log           zerolog.Logger
}

func NewCoordinator(notifications Notifications, resolver *audience.Resolver, publisher Publisher, chunkSize int, log zerolog.Logger) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Coordinator{
		notifications: notifications,
		resolver:      resolver,
		publisher:     publisher,
		chunkSize:     chunkSize,
		newBatchID:    func() string { return uuid.New().String() },
		log:           log,
	}
}

// Run fans out one notification. It is safe to call concurrently and repeatedly for the same
// id: only the caller that moves the notification from SCHEDULED to PROCESSING does any work.
func (c *Coordinator) Run(ctx context.Context, notificationID string) (res Result, err error) {
	log := c.log.With().Str("notification_id", notificationID).Logger()

	n, err := c.notifications.GetNotification(ctx, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("notification not found, skipping fan-out")
		telemetry.FanoutRuns.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, nil
	}
	if err != nil {
		telemetry.FanoutRuns.WithLabelValues("failed").Inc()
		return Result{}, &Error{Stage: StageFetch, NotificationID: notificationID, Err: err}
	}
	if n.Status != models.NotificationScheduled {
		log.Info().Str("status", string(n.Status)).Msg("notification not scheduled, skipping fan-out")
		telemetry.FanoutRuns.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, nil
	}

	claimed, err := c.notifications.TransitionStatus(ctx, n.ID, models.NotificationScheduled, models.NotificationProcessing)
	if err != nil {
		telemetry.FanoutRuns.WithLabelValues("failed").Inc()
		return Result{}, &Error{Stage: StageClaim, NotificationID: n.ID, Err: err}
	}
	if !claimed {
		log.Info().Msg("lost claim to another invocation or a cancel, skipping fan-out")
		telemetry.FanoutRuns.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, nil
	}

	defer func() {
		if err == nil {
			telemetry.FanoutRuns.WithLabelValues("completed").Inc()
			return
		}
		telemetry.FanoutRuns.WithLabelValues("failed").Inc()
		c.rollback(context.WithoutCancel(ctx), n.ID, err)
	}()

	err = c.resolver.Walk(ctx, n.AudienceType, n.AudiencePayload, func(page []models.Recipient) error {
		res.Pages++
		msgs := c.chunk(n.ID, page)
		if err := c.publisher.PublishBatch(ctx, msgs); err != nil {
			return &Error{Stage: StagePublish, NotificationID: n.ID, Err: err}
		}
		res.Chunks += len(msgs)
		res.Recipients += len(page)
		telemetry.ChunksPublished.Add(float64(len(msgs)))
		telemetry.RecipientsResolved.Add(float64(len(page)))
		return nil
	})
	if err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			err = &Error{Stage: StageResolve, NotificationID: n.ID, Err: err}
		}
		return res, err
	}

	done, err := c.notifications.TransitionStatus(ctx, n.ID, models.NotificationProcessing, models.NotificationCompleted)
	if err != nil {
		return res, &Error{Stage: StageComplete, NotificationID: n.ID, Err: err}
	}
	if !done {
		return res, &Error{Stage: StageComplete, NotificationID: n.ID, Err: errors.New("notification left PROCESSING during fan-out")}
	}

	log.Info().Int("pages", res.Pages).Int("chunks", res.Chunks).Int("recipients", res.Recipients).Msg("fan-out completed")
	return res, nil
}

func (c *Coordinator) chunk(notificationID string, page []models.Recipient) []models.ChunkMessage {
	msgs := make([]models.ChunkMessage, 0, (len(page)+c.chunkSize-1)/c.chunkSize)
	for start := 0; start < len(page); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(page) {
			end = len(page)
		}
		ids := make([]string, 0, end-start)
		for _, r := range page[start:end] {
			ids = append(ids, r.ID)
		}
		msgs = append(msgs, models.ChunkMessage{
			NotificationID:    notificationID,
			BatchID:           c.newBatchID(),
			RecipientIDs:      ids,
			CursorRecipientID: ids[len(ids)-1],
		})
	}
	return msgs
}

func (c *Coordinator) rollback(ctx context.Context, notificationID string, cause error) {
	ok, err := c.notifications.TransitionStatus(ctx, notificationID, models.NotificationProcessing, models.NotificationScheduled)
	if err != nil || !ok {
		telemetry.FanoutRollbackFails.Inc()
		c.log.Error().Err(err).AnErr("cause", cause).Str("notification_id", notificationID).Bool("transitioned", ok).
			Msg("rollback to SCHEDULED failed")
		return
	}
	c.log.Warn().Err(cause).Str("notification_id", notificationID).Msg("fan-out failed, notification rolled back to SCHEDULED")
}
