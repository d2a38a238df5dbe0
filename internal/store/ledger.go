package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"notification-fanout/internal/models"
)

const deliveryColumns = `id, notification_id, recipient_id, email, status, attempt_count, last_error,
	provider_message_id, sent_at, batch_id, created_at, updated_at`

// Reserve claims (notification, recipient) pairs for batchID. Pairs that already have a row
// are skipped without touching that row. It returns how many rows were created.
func (s *Store) Reserve(ctx context.Context, notificationID string, recipients []models.Recipient, batchID string) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	ids := make([]string, len(recipients))
	recipientIDs := make([]string, len(recipients))
	emails := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = uuid.New().String()
		recipientIDs[i] = r.ID
		emails[i] = r.Email
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, notification_id, recipient_id, email, status, attempt_count, batch_id, created_at, updated_at)
		SELECT r.id, $1, r.recipient_id, r.email, $2, 0, $3, NOW(), NOW()
		FROM unnest($4::text[], $5::text[], $6::text[]) AS r(id, recipient_id, email)
		ON CONFLICT (notification_id, recipient_id) DO NOTHING
	`, notificationID, models.DeliveryPending, batchID, ids, recipientIDs, emails)
	if err != nil {
		return 0, fmt.Errorf("reserve deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingForBatch returns the rows owned by batchID that still need sending.
func (s *Store) PendingForBatch(ctx context.Context, notificationID, batchID string) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE notification_id = $1 AND batch_id = $2 AND status = $3
		ORDER BY recipient_id
	`, notificationID, batchID, models.DeliveryPending)
	if err != nil {
		return nil, fmt.Errorf("query pending deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// MarkSending moves PENDING rows of batchID to SENDING, bumping attempt_count, and returns
// exactly the rows this call claimed. The claim is held until leaseUntil unless extended.
func (s *Store) MarkSending(ctx context.Context, notificationID, batchID string, leaseUntil time.Time) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE deliveries
		SET status = $4, attempt_count = attempt_count + 1, lease_until = $5, updated_at = NOW()
		WHERE notification_id = $1 AND batch_id = $2 AND status = $3
		RETURNING `+deliveryColumns+`
	`, notificationID, batchID, models.DeliveryPending, models.DeliverySending, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("mark sending: %w", err)
	}
	return collectDeliveries(rows)
}

// ExtendSendLease pushes the send lease of the SENDING rows of batchID to until.
func (s *Store) ExtendSendLease(ctx context.Context, notificationID, batchID string, until time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET lease_until = $4, updated_at = NOW()
		WHERE notification_id = $1 AND batch_id = $2 AND status = $3
	`, notificationID, batchID, models.DeliverySending, until)
	if err != nil {
		return 0, fmt.Errorf("extend send lease: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordResults settles SENDING rows of batchID. Success, permanent and suppressed outcomes
// are terminal. A transient outcome puts the row back to PENDING for the next delivery of
// the chunk, or FAILED once attempt_count reached maxAttempts.
func (s *Store) RecordResults(ctx context.Context, notificationID, batchID string, results []models.DeliveryResult, maxAttempts int) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]string, len(results))
	outcomes := make([]string, len(results))
	messageIDs := make([]string, len(results))
	errs := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DeliveryID
		outcomes[i] = string(r.Outcome)
		messageIDs[i] = r.ProviderMessageID
		errs[i] = r.Error
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries AS d
		SET status = CASE r.outcome
				WHEN 'success' THEN 'SENT'
				WHEN 'permanent' THEN 'FAILED'
				WHEN 'suppressed' THEN 'SUPPRESSED'
				ELSE CASE WHEN d.attempt_count >= $3 THEN 'FAILED' ELSE 'PENDING' END
			END,
			provider_message_id = COALESCE(NULLIF(r.message_id, ''), d.provider_message_id),
			last_error = CASE
				WHEN r.outcome = 'success' THEN NULL
				WHEN r.outcome = 'transient' AND d.attempt_count >= $3 THEN 'retries exhausted: ' || r.err
				ELSE NULLIF(r.err, '')
			END,
			sent_at = CASE WHEN r.outcome = 'success' THEN NOW() ELSE d.sent_at END,
			updated_at = NOW()
		FROM unnest($4::text[], $5::text[], $6::text[], $7::text[]) AS r(id, outcome, message_id, err)
		WHERE d.id = r.id AND d.notification_id = $1 AND d.batch_id = $2 AND d.status = 'SENDING'
	`, notificationID, batchID, maxAttempts, ids, outcomes, messageIDs, errs)
	if err != nil {
		return fmt.Errorf("record delivery results: %w", err)
	}
	return nil
}

// CountByStatus summarizes the ledger of one notification.
func (s *Store) CountByStatus(ctx context.Context, notificationID string) (models.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM deliveries WHERE notification_id = $1 GROUP BY status
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := models.StatusCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListDeliveries pages the ledger of a notification by delivery id.
func (s *Store) ListDeliveries(ctx context.Context, notificationID, afterID string, limit int) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE notification_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, notificationID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// ReclaimStale resets rows untouched since before back to PENDING and returns them. SENDING
// rows are only taken once their send lease has lapsed, so a send still in progress is never
// handed to a second worker. Rows locked by a concurrent sweep are skipped.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time, limit int) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE deliveries
		SET status = $1, lease_until = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE updated_at < $3 AND batch_id IS NOT NULL
				AND (status = $1 OR (status = $2 AND (lease_until IS NULL OR lease_until < NOW())))
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns+`
	`, models.DeliveryPending, models.DeliverySending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]models.Delivery, error) {
	defer rows.Close()
	var out []models.Delivery
	for rows.Next() {
		var d models.Delivery
		var lastErr, messageID, batchID pgtype.Text
		var sentAt pgtype.Timestamptz
		if err := rows.Scan(&d.ID, &d.NotificationID, &d.RecipientID, &d.Email, &d.Status, &d.AttemptCount,
			&lastErr, &messageID, &sentAt, &batchID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.LastError = textPtr(lastErr)
		d.ProviderMessageID = textPtr(messageID)
		d.SentAt = timePtr(sentAt)
		d.BatchID = textPtr(batchID)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}
