// Package delivery consumes chunk messages: it reserves ledger rows, sends the mail and
// records per-recipient outcomes.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notification-fanout/internal/mail"
	"notification-fanout/internal/models"
	"notification-fanout/internal/store"
	"notification-fanout/internal/telemetry"
)

// ErrDrop marks a message that can never succeed and must be acknowledged without retry.
var ErrDrop = errors.New("drop message")

// TransientError asks the transport to redeliver the message.
type TransientError struct {
	NotificationID string
	BatchID        string
	Count          int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%d transient delivery failures in batch %s of notification %s", e.Count, e.BatchID, e.NotificationID)
}

// Ledger is the store surface used by the worker.
type Ledger interface {
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	RecipientsByIDs(ctx context.Context, ids []string) ([]models.Recipient, error)
	Reserve(ctx context.Context, notificationID string, recipients []models.Recipient, batchID string) (int64, error)
	PendingForBatch(ctx context.Context, notificationID, batchID string) ([]models.Delivery, error)
	MarkSending(ctx context.Context, notificationID, batchID string, leaseUntil time.Time) ([]models.Delivery, error)
	ExtendSendLease(ctx context.Context, notificationID, batchID string, until time.Time) (int64, error)
	RecordResults(ctx context.Context, notificationID, batchID string, results []models.DeliveryResult, maxAttempts int) error
}

// Sender is the bulk mail gateway.
type Sender interface {
	SendBulk(ctx context.Context, entries []mail.Entry, content mail.Content) []models.DeliveryResult
}

const defaultSendLease = 2 * time.Minute

type Worker struct {
	ledger      Ledger
	sender      Sender
	maxAttempts int
	sendLease   time.Duration
	log         zerolog.Logger
}

func NewWorker(ledger Ledger, sender Sender, maxAttempts int, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{ledger: ledger, sender: sender, maxAttempts: maxAttempts, sendLease: defaultSendLease, log: log}
}

// WithSendLease sets how far ahead each heartbeat pushes the lease on claimed rows. The stale
// sweeper leaves SENDING rows alone until their lease lapses.
func (w *Worker) WithSendLease(d time.Duration) *Worker {
	if d > 0 {
		w.sendLease = d
	}
	return w
}

// Handle processes one chunk. It returns nil when the chunk is done (including when a prior
// delivery of the same message already handled it), an error wrapping ErrDrop when the chunk
// can never be processed, a *TransientError when some recipients should be retried, and any
// other error for infrastructure failures.
func (w *Worker) Handle(ctx context.Context, msg models.ChunkMessage) error {
	log := w.log.With().Str("notification_id", msg.NotificationID).Str("batch_id", msg.BatchID).Logger()

	n, err := w.ledger.GetNotification(ctx, msg.NotificationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("notification not found, dropping chunk")
		return fmt.Errorf("notification %s: %w", msg.NotificationID, ErrDrop)
	}
	if err != nil {
		return fmt.Errorf("get notification: %w", err)
	}

	recipients, err := w.ledger.RecipientsByIDs(ctx, msg.RecipientIDs)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		log.Warn().Int("requested", len(msg.RecipientIDs)).Msg("no recipients resolved, dropping chunk")
		return fmt.Errorf("no recipients for batch %s: %w", msg.BatchID, ErrDrop)
	}

	if _, err := w.ledger.Reserve(ctx, n.ID, recipients, msg.BatchID); err != nil {
		return fmt.Errorf("reserve deliveries: %w", err)
	}

	pending, err := w.ledger.PendingForBatch(ctx, n.ID, msg.BatchID)
	if err != nil {
		return fmt.Errorf("pending for batch: %w", err)
	}
	if len(pending) == 0 {
		log.Debug().Msg("batch already handled")
		return nil
	}

	claimed, err := w.ledger.MarkSending(ctx, n.ID, msg.BatchID, time.Now().Add(w.sendLease))
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if len(claimed) == 0 {
		log.Debug().Msg("batch claimed by a concurrent delivery")
		return nil
	}

	entries := make([]mail.Entry, len(claimed))
	for i, d := range claimed {
		entries[i] = mail.Entry{DeliveryID: d.ID, Email: d.Email}
	}
	release := w.holdLease(ctx, n.ID, msg.BatchID, log)
	results := w.sender.SendBulk(ctx, entries, mail.Content{
		Subject: n.Subject,
		Text:    n.BodyText,
		HTML:    n.BodyHTML,
	})
	release()

	// Recorded even when the handler context is gone so sent mail is never left in SENDING.
	if err := w.ledger.RecordResults(context.WithoutCancel(ctx), n.ID, msg.BatchID, results, w.maxAttempts); err != nil {
		return fmt.Errorf("record results: %w", err)
	}

	transient := 0
	for _, r := range results {
		telemetry.DeliveryOutcomes.WithLabelValues(string(r.Outcome)).Inc()
		if r.Outcome == models.OutcomeTransient {
			transient++
		}
	}
	log.Info().Int("sent", len(results)-transient).Int("transient", transient).Msg("batch delivered")
	if transient > 0 {
		return &TransientError{NotificationID: n.ID, BatchID: msg.BatchID, Count: transient}
	}
	return nil
}

// holdLease extends the send lease of the batch until the returned func is called. The func
// blocks until the heartbeat has stopped.
func (w *Worker) holdLease(ctx context.Context, notificationID, batchID string, log zerolog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.sendLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.ledger.ExtendSendLease(ctx, notificationID, batchID, time.Now().Add(w.sendLease)); err != nil {
					log.Warn().Err(err).Msg("extend send lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
