// Package notification implements the admin operations on scheduled notifications and keeps
// the external schedule in step with the stored send time.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notification-fanout/internal/audience"
	"notification-fanout/internal/models"
	"notification-fanout/internal/scheduler"
	"notification-fanout/internal/store"
)

// Code classifies a service error for callers.
type Code string

const (
	CodeValidation           Code = "VALIDATION_FAILED"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeNotEditable          Code = "NOT_EDITABLE"
	CodeSchedulerUnavailable Code = "SCHEDULER_UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Store is the persistence surface of the service.
type Store interface {
	CreateNotification(ctx context.Context, n models.Notification, hook func(models.Notification) error) (models.Notification, error)
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	ListNotifications(ctx context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error)
	TransitionStatus(ctx context.Context, id string, from, to models.NotificationStatus) (bool, error)
	EditNotification(ctx context.Context, id string, edit func(models.Notification) (models.Notification, error)) (models.Notification, error)
	CountByStatus(ctx context.Context, notificationID string) (models.StatusCounts, error)
}

// Scheduler fires the fan-out at the notification's send time.
type Scheduler interface {
	CreateOrUpdateSchedule(ctx context.Context, name string, fireAt time.Time, target scheduler.Target) error
	CancelSchedule(ctx context.Context, name string) error
}

// AdminFunc resolves the calling admin from the context.
type AdminFunc func(ctx context.Context) (string, error)

type Service struct {
	store        Store
	scheduler    Scheduler
	currentAdmin AdminFunc
	now          func() time.Time
	log          zerolog.Logger
}

func NewService(st Store, sched Scheduler, currentAdmin AdminFunc, log zerolog.Logger) *Service {
	return &Service{
		store:        st,
		scheduler:    sched,
		currentAdmin: currentAdmin,
		now:          time.Now,
		log:          log,
	}
}

type CreateInput struct {
	Title           string              `json:"title"`
	Subject         string              `json:"subject"`
	BodyText        string              `json:"body_text"`
	BodyHTML        *string             `json:"body_html"`
	SendAt          time.Time           `json:"send_at"`
	AudienceType    models.AudienceType `json:"audience_type"`
	AudiencePayload json.RawMessage     `json:"audience_payload"`
}

// UpdateInput patches a notification; nil fields are left unchanged.
type UpdateInput struct {
	Title           *string              `json:"title"`
	Subject         *string              `json:"subject"`
	BodyText        *string              `json:"body_text"`
	BodyHTML        *string              `json:"body_html"`
	SendAt          *time.Time           `json:"send_at"`
	AudienceType    *models.AudienceType `json:"audience_type"`
	AudiencePayload json.RawMessage      `json:"audience_payload"`
}

// Summary is a notification with its ledger status counts.
type Summary struct {
	Notification models.Notification `json:"notification"`
	Counts       models.StatusCounts `json:"counts"`
	Total        int64               `json:"total"`
}

// JobName is the scheduler job name of a notification.
func JobName(notificationID string) string {
	return "notification-" + notificationID
}

func (s *Service) Create(ctx context.Context, in CreateInput) (models.Notification, error) {
	adminID, err := s.currentAdmin(ctx)
	if err != nil {
		return models.Notification{}, newError(CodeUnauthorized, "admin identity required", err)
	}

	n := models.Notification{
		ID:              uuid.New().String(),
		Title:           strings.TrimSpace(in.Title),
		Subject:         strings.TrimSpace(in.Subject),
		BodyText:        in.BodyText,
		BodyHTML:        in.BodyHTML,
		SendAt:          in.SendAt.UTC(),
		AudienceType:    in.AudienceType,
		AudiencePayload: normalisePayload(in.AudiencePayload),
		CreatedBy:       adminID,
	}
	if err := s.validate(n, true); err != nil {
		return models.Notification{}, err
	}
	name := JobName(n.ID)
	n.SchedulerJobName = &name

	scheduled := false
	created, err := s.store.CreateNotification(ctx, n, func(n models.Notification) error {
		if err := s.scheduler.CreateOrUpdateSchedule(ctx, name, n.SendAt, scheduler.Target{NotificationID: n.ID}); err != nil {
			return newError(CodeSchedulerUnavailable, "could not register schedule", err)
		}
		scheduled = true
		return nil
	})
	if err != nil {
		if scheduled {
			if cerr := s.scheduler.CancelSchedule(context.WithoutCancel(ctx), name); cerr != nil {
				s.log.Error().Err(cerr).AnErr("cause", err).Str("notification_id", n.ID).Str("scheduler_job", name).
					Msg("schedule registered for a notification that was not stored")
			}
		}
		return models.Notification{}, asServiceError(err)
	}

	s.log.Info().Str("notification_id", created.ID).Str("admin_id", adminID).Time("send_at", created.SendAt).Msg("notification scheduled")
	return created, nil
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (models.Notification, error) {
	adminID, err := s.currentAdmin(ctx)
	if err != nil {
		return models.Notification{}, newError(CodeUnauthorized, "admin identity required", err)
	}

	var (
		rescheduled bool
		previous    time.Time
		jobName     string
	)
	updated, err := s.store.EditNotification(ctx, id, func(current models.Notification) (models.Notification, error) {
		if current.Status != models.NotificationScheduled {
			return current, newError(CodeNotEditable, fmt.Sprintf("notification is %s", current.Status), nil)
		}
		next := apply(current, in)
		moved := !next.SendAt.Equal(current.SendAt)
		if err := s.validate(next, moved); err != nil {
			return current, err
		}
		if !moved {
			return next, nil
		}

		jobName = JobName(current.ID)
		if current.SchedulerJobName != nil {
			jobName = *current.SchedulerJobName
		}
		next.SchedulerJobName = &jobName
		if err := s.scheduler.CreateOrUpdateSchedule(ctx, jobName, next.SendAt, scheduler.Target{NotificationID: current.ID}); err != nil {
			return current, newError(CodeSchedulerUnavailable, "could not move schedule", err)
		}
		rescheduled = true
		previous = current.SendAt
		return next, nil
	})
	if err != nil {
		if rescheduled {
			s.restoreSchedule(ctx, id, jobName, previous, in.SendAt, err)
		}
		return models.Notification{}, asServiceError(err)
	}

	s.log.Info().Str("notification_id", id).Str("admin_id", adminID).Bool("rescheduled", rescheduled).Msg("notification updated")
	return updated, nil
}

// restoreSchedule puts the external schedule back after the edit it was moved for failed to
// commit. A failure here leaves the schedule and the row disagreeing and is only logged.
func (s *Service) restoreSchedule(ctx context.Context, id, jobName string, previous time.Time, requested *time.Time, cause error) {
	err := s.scheduler.CreateOrUpdateSchedule(context.WithoutCancel(ctx), jobName, previous, scheduler.Target{NotificationID: id})
	if err == nil {
		s.log.Warn().Err(cause).Str("notification_id", id).Msg("edit failed after reschedule, schedule restored")
		return
	}
	ev := s.log.Error().Err(err).AnErr("cause", cause).
		Str("notification_id", id).
		Str("scheduler_job", jobName).
		Time("previous_send_at", previous)
	if requested != nil {
		ev = ev.Time("requested_send_at", *requested)
	}
	ev.Msg("compensating reschedule failed, scheduler and notification disagree")
}

func (s *Service) Cancel(ctx context.Context, id string) (models.Notification, error) {
	adminID, err := s.currentAdmin(ctx)
	if err != nil {
		return models.Notification{}, newError(CodeUnauthorized, "admin identity required", err)
	}

	ok, err := s.store.TransitionStatus(ctx, id, models.NotificationScheduled, models.NotificationCancelled)
	if err != nil {
		return models.Notification{}, newError(CodeInternal, "cancel notification", err)
	}
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return models.Notification{}, asServiceError(err)
	}
	if !ok {
		return models.Notification{}, newError(CodeNotEditable, fmt.Sprintf("notification is %s", n.Status), nil)
	}

	jobName := JobName(id)
	if n.SchedulerJobName != nil {
		jobName = *n.SchedulerJobName
	}
	// The dispatcher skips cancelled notifications, so a stale schedule is harmless.
	if err := s.scheduler.CancelSchedule(ctx, jobName); err != nil {
		s.log.Warn().Err(err).Str("notification_id", id).Str("scheduler_job", jobName).Msg("cancel schedule failed")
	}
	s.log.Info().Str("notification_id", id).Str("admin_id", adminID).Msg("notification cancelled")
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return models.Notification{}, asServiceError(err)
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error) {
	if status != "" && !status.Valid() {
		return nil, newError(CodeValidation, fmt.Sprintf("unknown status %q", status), nil)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out, err := s.store.ListNotifications(ctx, status, limit)
	if err != nil {
		return nil, newError(CodeInternal, "list notifications", err)
	}
	return out, nil
}

func (s *Service) Summary(ctx context.Context, id string) (Summary, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	counts, err := s.store.CountByStatus(ctx, id)
	if err != nil {
		return Summary{}, newError(CodeInternal, "count deliveries", err)
	}
	for _, st := range models.DeliveryStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return Summary{Notification: n, Counts: counts, Total: counts.Total()}, nil
}

// validate checks n. The send time only has to lie in the future when it is being set, so a
// notification whose trigger is already due can still have its text corrected.
func (s *Service) validate(n models.Notification, checkSendAt bool) error {
	var problems []string
	if n.Title == "" {
		problems = append(problems, "title is required")
	}
	if len(n.Title) > 200 {
		problems = append(problems, "title exceeds 200 characters")
	}
	if n.Subject == "" {
		problems = append(problems, "subject is required")
	}
	if len(n.Subject) > 998 {
		problems = append(problems, "subject exceeds 998 characters")
	}
	if strings.TrimSpace(n.BodyText) == "" {
		problems = append(problems, "body_text is required")
	}
	if n.SendAt.IsZero() {
		problems = append(problems, "send_at is required")
	} else if checkSendAt && !n.SendAt.After(s.now()) {
		problems = append(problems, "send_at must be in the future")
	}
	if _, err := audience.Parse(n.AudienceType, n.AudiencePayload); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return newError(CodeValidation, strings.Join(problems, "; "), nil)
	}
	return nil
}

func apply(n models.Notification, in UpdateInput) models.Notification {
	if in.Title != nil {
		n.Title = strings.TrimSpace(*in.Title)
	}
	if in.Subject != nil {
		n.Subject = strings.TrimSpace(*in.Subject)
	}
	if in.BodyText != nil {
		n.BodyText = *in.BodyText
	}
	if in.BodyHTML != nil {
		if *in.BodyHTML == "" {
			n.BodyHTML = nil
		} else {
			html := *in.BodyHTML
			n.BodyHTML = &html
		}
	}
	if in.SendAt != nil {
		n.SendAt = in.SendAt.UTC()
	}
	if in.AudienceType != nil {
		n.AudienceType = *in.AudienceType
	}
	if in.AudiencePayload != nil {
		n.AudiencePayload = normalisePayload(in.AudiencePayload)
	}
	return n
}

func normalisePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 || string(p) == "null" {
		return json.RawMessage(`{}`)
	}
	return p
}

func asServiceError(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, store.ErrNotFound) {
		return newError(CodeNotFound, "notification not found", err)
	}
	return newError(CodeInternal, "storage failure", err)
}
