// Package storetest provides an in-memory store with the same ledger semantics as the
// Postgres store, for tests of the components built on top of it.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notification-fanout/internal/audience"
	"notification-fanout/internal/models"
	"notification-fanout/internal/store"
)

type deliveryKey struct {
	notificationID string
	recipientID    string
}

// Memory is a mutex-guarded stand-in for *store.Store.
type Memory struct {
	mu            sync.Mutex
	notifications map[string]models.Notification
	deliveries    map[string]*models.Delivery
	byPair        map[deliveryKey]string
	leases        map[string]time.Time
	recipients    []models.Recipient

	// Now is the clock used for timestamps.
	Now func() time.Time
	// CommitErr, when set, fails the next Create/Edit after its hook ran.
	CommitErr error
	// RecipientsErr, when set, is returned by RecipientsAfter.
	RecipientsErr error
	// ReserveCalls counts Reserve invocations.
	ReserveCalls int
}

func NewMemory() *Memory {
	return &Memory{
		notifications: map[string]models.Notification{},
		deliveries:    map[string]*models.Delivery{},
		byPair:        map[deliveryKey]string{},
		leases:        map[string]time.Time{},
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// AddRecipients seeds the recipients table, keeping it ordered by id.
func (m *Memory) AddRecipients(rs ...models.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients = append(m.recipients, rs...)
	sort.Slice(m.recipients, func(i, j int) bool { return m.recipients[i].ID < m.recipients[j].ID })
}

// PutNotification stores n as-is.
func (m *Memory) PutNotification(n models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
}

// Deliveries returns a copy of every ledger row of a notification ordered by recipient.
func (m *Memory) Deliveries(notificationID string) []models.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Delivery
	for _, d := range m.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

// Age moves updated_at of every row back by d. Send leases are wall-clock deadlines and are
// left alone.
func (m *Memory) Age(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.deliveries {
		row.UpdatedAt = row.UpdatedAt.Add(-d)
	}
}

func (m *Memory) CreateNotification(_ context.Context, n models.Notification, hook func(models.Notification) error) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := m.Now()
	n.Status = models.NotificationScheduled
	n.CreatedAt, n.UpdatedAt = now, now
	if hook != nil {
		if err := hook(n); err != nil {
			return models.Notification{}, err
		}
	}
	if err := m.takeCommitErr(); err != nil {
		return models.Notification{}, err
	}
	m.notifications[n.ID] = n
	return n, nil
}

func (m *Memory) GetNotification(_ context.Context, id string) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("notification: %w", store.ErrNotFound)
	}
	return n, nil
}

func (m *Memory) ListNotifications(_ context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if status == "" || n.Status == status {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.After(out[j].SendAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStaleProcessing(_ context.Context, before time.Time, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.Status == models.NotificationProcessing && n.UpdatedAt.Before(before) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionStatus(_ context.Context, id string, from, to models.NotificationStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = m.Now()
	m.notifications[id] = n
	return true, nil
}

func (m *Memory) EditNotification(_ context.Context, id string, edit func(models.Notification) (models.Notification, error)) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.notifications[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("notification: %w", store.ErrNotFound)
	}
	next, err := edit(current)
	if err != nil {
		return models.Notification{}, err
	}
	if err := m.takeCommitErr(); err != nil {
		return models.Notification{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = m.Now()
	m.notifications[id] = next
	return next, nil
}

func (m *Memory) takeCommitErr() error {
	err := m.CommitErr
	m.CommitErr = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *Memory) Reserve(_ context.Context, notificationID string, recipients []models.Recipient, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReserveCalls++
	now := m.Now()
	var created int64
	for _, r := range recipients {
		key := deliveryKey{notificationID, r.ID}
		if _, exists := m.byPair[key]; exists {
			continue
		}
		batch := batchID
		d := &models.Delivery{
			ID:             uuid.New().String(),
			NotificationID: notificationID,
			RecipientID:    r.ID,
			Email:          r.Email,
			Status:         models.DeliveryPending,
			BatchID:        &batch,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.deliveries[d.ID] = d
		m.byPair[key] = d.ID
		created++
	}
	return created, nil
}

func (m *Memory) PendingForBatch(_ context.Context, notificationID, batchID string) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectLocked(func(d *models.Delivery) bool {
		return d.NotificationID == notificationID && d.BatchID != nil && *d.BatchID == batchID && d.Status == models.DeliveryPending
	}), nil
}

func (m *Memory) MarkSending(_ context.Context, notificationID, batchID string, leaseUntil time.Time) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	rows := m.selectLocked(func(d *models.Delivery) bool {
		return d.NotificationID == notificationID && d.BatchID != nil && *d.BatchID == batchID && d.Status == models.DeliveryPending
	})
	for i := range rows {
		d := m.deliveries[rows[i].ID]
		d.Status = models.DeliverySending
		d.AttemptCount++
		d.UpdatedAt = now
		m.leases[d.ID] = leaseUntil
		rows[i] = *d
	}
	return rows, nil
}

func (m *Memory) ExtendSendLease(_ context.Context, notificationID, batchID string, until time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var n int64
	for _, d := range m.deliveries {
		if d.NotificationID == notificationID && d.BatchID != nil && *d.BatchID == batchID && d.Status == models.DeliverySending {
			m.leases[d.ID] = until
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordResults(_ context.Context, notificationID, batchID string, results []models.DeliveryResult, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	for _, r := range results {
		d, ok := m.deliveries[r.DeliveryID]
		if !ok || d.NotificationID != notificationID || d.BatchID == nil || *d.BatchID != batchID || d.Status != models.DeliverySending {
			continue
		}
		if r.ProviderMessageID != "" {
			id := r.ProviderMessageID
			d.ProviderMessageID = &id
		}
		errMsg := r.Error
		switch r.Outcome {
		case models.OutcomeSuccess:
			d.Status = models.DeliverySent
			sent := now
			d.SentAt = &sent
			errMsg = ""
		case models.OutcomePermanent:
			d.Status = models.DeliveryFailed
		case models.OutcomeSuppressed:
			d.Status = models.DeliverySuppressed
		default:
			if d.AttemptCount >= maxAttempts {
				d.Status = models.DeliveryFailed
				errMsg = "retries exhausted: " + r.Error
			} else {
				d.Status = models.DeliveryPending
			}
		}
		if errMsg == "" {
			d.LastError = nil
		} else {
			d.LastError = &errMsg
		}
		d.UpdatedAt = now
	}
	return nil
}

func (m *Memory) CountByStatus(_ context.Context, notificationID string) (models.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := models.StatusCounts{}
	for _, d := range m.deliveries {
		if d.NotificationID == notificationID {
			counts[d.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) ListDeliveries(_ context.Context, notificationID, afterID string, limit int) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.selectLocked(func(d *models.Delivery) bool {
		return d.NotificationID == notificationID && d.ID > afterID
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) ReclaimStale(_ context.Context, before time.Time, limit int) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	rows := m.selectLocked(func(d *models.Delivery) bool {
		if d.BatchID == nil || !d.UpdatedAt.Before(before) {
			return false
		}
		switch d.Status {
		case models.DeliveryPending:
			return true
		case models.DeliverySending:
			lease, ok := m.leases[d.ID]
			return !ok || lease.Before(now)
		}
		return false
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		d := m.deliveries[rows[i].ID]
		d.Status = models.DeliveryPending
		d.UpdatedAt = now
		delete(m.leases, d.ID)
		rows[i] = *d
	}
	return rows, nil
}

func (m *Memory) selectLocked(match func(*models.Delivery) bool) []models.Delivery {
	var out []models.Delivery
	for _, d := range m.deliveries {
		if match(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

func (m *Memory) RecipientsAfter(_ context.Context, cursor string, limit int, filters []models.SegmentFilter) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecipientsErr != nil {
		return nil, m.RecipientsErr
	}
	var out []models.Recipient
	for _, r := range m.recipients {
		if r.ID <= cursor {
			continue
		}
		ok, err := matches(r, filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecipientByID(_ context.Context, id string) (models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients {
		if r.ID == id {
			return r, nil
		}
	}
	return models.Recipient{}, audience.ErrRecipientNotFound
}

func (m *Memory) RecipientsByIDs(_ context.Context, ids []string) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Recipient
	for _, r := range m.recipients {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func matches(r models.Recipient, filters []models.SegmentFilter) (bool, error) {
	for _, f := range filters {
		var field string
		switch f.Field {
		case "locale":
			field = r.Locale
		case "country":
			field = r.Country
		case "plan":
			field = r.Plan
		case "created_at":
			field = r.CreatedAt.UTC().Format(time.RFC3339)
		default:
			return false, fmt.Errorf("%w: unsupported field %q", audience.ErrInvalidPayload, f.Field)
		}
		if f.Op == "in" {
			values, err := audience.FilterValues(f)
			if err != nil {
				return false, err
			}
			found := false
			for _, v := range values {
				if v == field {
					found = true
				}
			}
			if !found {
				return false, nil
			}
			continue
		}
		value, err := audience.FilterValue(f)
		if err != nil {
			return false, err
		}
		cmp, err := compare(f.Field, field, value)
		if err != nil {
			return false, err
		}
		var ok bool
		switch f.Op {
		case "eq":
			ok = cmp == 0
		case "neq":
			ok = cmp != 0
		case "gt":
			ok = cmp > 0
		case "gte":
			ok = cmp >= 0
		case "lt":
			ok = cmp < 0
		case "lte":
			ok = cmp <= 0
		default:
			return false, errors.New("unsupported operator " + f.Op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(field, have, want string) (int, error) {
	if field != "created_at" {
		switch {
		case have < want:
			return -1, nil
		case have > want:
			return 1, nil
		}
		return 0, nil
	}
	h, err := time.Parse(time.RFC3339, have)
	if err != nil {
		return 0, err
	}
	w, err := time.Parse(time.RFC3339, want)
	if err != nil {
		return 0, err
	}
	return h.Compare(w), nil
}
