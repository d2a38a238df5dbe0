package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"notification-fanout/internal/models"
)

const notificationColumns = `id, title, subject, body_text, body_html, send_at, audience_type, audience_payload,
	status, scheduler_job_name, created_by, created_at, updated_at`

// CreateNotification inserts n as SCHEDULED inside a transaction. hook runs after the insert
// and before commit; a hook error rolls the insert back.
func (s *Store) CreateNotification(ctx context.Context, n models.Notification, hook func(models.Notification) error) (models.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := s.now()
	n.Status = models.NotificationScheduled
	n.CreatedAt, n.UpdatedAt = now, now

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Notification{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications (id, title, subject, body_text, body_html, send_at, audience_type, audience_payload,
			status, scheduler_job_name, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, n.ID, n.Title, n.Subject, n.BodyText, n.BodyHTML, n.SendAt, string(n.AudienceType), payloadBytes(n.AudiencePayload),
		string(n.Status), n.SchedulerJobName, n.CreatedBy, now)
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	if hook != nil {
		if err := hook(n); err != nil {
			return models.Notification{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Notification{}, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// GetNotification fetches a notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row)
}

// ListNotifications returns the most recent notifications, optionally filtered by status.
func (s *Store) ListNotifications(ctx context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY send_at DESC, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListStaleProcessing returns notifications that have been PROCESSING since before.
func (s *Store) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(models.NotificationProcessing), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale processing notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// TransitionStatus moves a notification from one status to another only if it is still in
// from. It reports whether the swap happened.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.NotificationStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition notification %s %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EditNotification locks the row, hands the current value to edit and persists what edit
// returns, all in one transaction. edit runs before commit.
func (s *Store) EditNotification(ctx context.Context, id string, edit func(current models.Notification) (models.Notification, error)) (models.Notification, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Notification{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current, err := scanNotification(tx.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Notification{}, err
	}

	next, err := edit(current)
	if err != nil {
		return models.Notification{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()

	_, err = tx.Exec(ctx, `
		UPDATE notifications
		SET title = $2, subject = $3, body_text = $4, body_html = $5, send_at = $6, audience_type = $7,
			audience_payload = $8, status = $9, scheduler_job_name = $10, updated_at = $11
		WHERE id = $1
	`, next.ID, next.Title, next.Subject, next.BodyText, next.BodyHTML, next.SendAt, string(next.AudienceType),
		payloadBytes(next.AudiencePayload), string(next.Status), next.SchedulerJobName, next.UpdatedAt)
	if err != nil {
		return models.Notification{}, fmt.Errorf("update notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Notification{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	var bodyHTML, jobName pgtype.Text
	var audienceType, status string
	var payload []byte

	err := row.Scan(&n.ID, &n.Title, &n.Subject, &n.BodyText, &bodyHTML, &n.SendAt, &audienceType, &payload,
		&status, &jobName, &n.CreatedBy, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Notification{}, fmt.Errorf("notification: %w", ErrNotFound)
		}
		return models.Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	n.BodyHTML = textPtr(bodyHTML)
	n.SchedulerJobName = textPtr(jobName)
	n.AudienceType = models.AudienceType(audienceType)
	n.Status = models.NotificationStatus(status)
	n.AudiencePayload = payload
	return n, nil
}

func payloadBytes(p []byte) []byte {
	if len(p) == 0 {
		return []byte(`{}`)
	}
	return p
}
