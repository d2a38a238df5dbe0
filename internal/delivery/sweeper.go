package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"notification-fanout/internal/models"
	"notification-fanout/internal/telemetry"
)

type staleLedger interface {
	ReclaimStale(ctx context.Context, before time.Time, limit int) ([]models.Delivery, error)
}

type publisher interface {
	PublishBatch(ctx context.Context, msgs []models.ChunkMessage) error
}

// Sweeper republishes ledger rows stuck in PENDING or SENDING, under their original batch,
// so a worker picks them up again.
type Sweeper struct {
	ledger     staleLedger
	publisher  publisher
	staleAfter time.Duration
	limit      int
	now        func() time.Time
	log        zerolog.Logger
}

func NewSweeper(ledger staleLedger, pub publisher, staleAfter time.Duration, limit int, log zerolog.Logger) *Sweeper {
	if limit <= 0 {
		limit = 1000
	}
	return &Sweeper{
		ledger:     ledger,
		publisher:  pub,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
		log:        log,
	}
}

// Sweep returns the number of rows reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	rows, err := s.ledger.ReclaimStale(ctx, s.now().Add(-s.staleAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale deliveries: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	type batchKey struct{ notificationID, batchID string }
	var order []batchKey
	groups := map[batchKey][]string{}
	for _, d := range rows {
		if d.BatchID == nil {
			continue
		}
		k := batchKey{d.NotificationID, *d.BatchID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], d.RecipientID)
	}

	msgs := make([]models.ChunkMessage, 0, len(order))
	for _, k := range order {
		ids := groups[k]
		msgs = append(msgs, models.ChunkMessage{
			NotificationID:    k.notificationID,
			BatchID:           k.batchID,
			RecipientIDs:      ids,
			CursorRecipientID: ids[len(ids)-1],
		})
	}
	if err := s.publisher.PublishBatch(ctx, msgs); err != nil {
		return 0, fmt.Errorf("republish stale batches: %w", err)
	}

	telemetry.SweeperReclaimed.Add(float64(len(rows)))
	s.log.Warn().Int("rows", len(rows)).Int("batches", len(msgs)).Msg("republished stale deliveries")
	return len(rows), nil
}
