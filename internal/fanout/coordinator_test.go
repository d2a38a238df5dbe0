package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-fanout/internal/audience"
	"notification-fanout/internal/delivery"
	"notification-fanout/internal/mail"
	"notification-fanout/internal/models"
	"notification-fanout/internal/store/storetest"
)

type capturePublisher struct {
	mu     sync.Mutex
	calls  int
	failOn int
	msgs   []models.ChunkMessage
}

func (p *capturePublisher) PublishBatch(_ context.Context, msgs []models.ChunkMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == p.failOn {
		return errors.New("queue unavailable")
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func seed(m *storetest.Memory, recipients int, status models.NotificationStatus) models.Notification {
	rs := make([]models.Recipient, recipients)
	for i := range rs {
		id := fmt.Sprintf("r-%05d", i)
		rs[i] = models.Recipient{ID: id, Email: id + "@example.com"}
	}
	m.AddRecipients(rs...)
	n := models.Notification{
		ID:           "n-1",
		Subject:      "Weekly digest",
		BodyText:     "Hello",
		SendAt:       time.Now(),
		AudienceType: models.AudienceAll,
		Status:       status,
	}
	m.PutNotification(n)
	return n
}

func newTestCoordinator(m *storetest.Memory, pub Publisher) *Coordinator {
	resolver := audience.NewResolver(m, 1000, zerolog.Nop())
	return NewCoordinator(m, resolver, pub, 100, zerolog.Nop())
}

func notificationStatus(t *testing.T, m *storetest.Memory, id string) models.NotificationStatus {
	t.Helper()
	n, err := m.GetNotification(context.Background(), id)
	require.NoError(t, err)
	return n.Status
}

type okProvider struct{}

func (okProvider) Name() string { return "ok" }

func (okProvider) SendGroup(_ context.Context, entries []mail.Entry, _ mail.Content) ([]mail.Status, error) {
	out := make([]mail.Status, len(entries))
	for i, e := range entries {
		out[i] = mail.Status{Code: mail.CodeSuccess, MessageID: "m-" + e.DeliveryID}
	}
	return out, nil
}

func TestRunHappyPath(t *testing.T) {
	ctx := context.Background()
	m := storetest.NewMemory()
	n := seed(m, 1250, models.NotificationScheduled)
	pub := &capturePublisher{}

	res, err := newTestCoordinator(m, pub).Run(ctx, n.ID)
	require.NoError(t, err)

	assert.Equal(t, Result{Pages: 2, Chunks: 13, Recipients: 1250}, res)
	assert.Equal(t, models.NotificationCompleted, notificationStatus(t, m, n.ID))
	require.Len(t, pub.msgs, 13)

	batches := map[string]bool{}
	seen := map[string]bool{}
	for _, msg := range pub.msgs {
		assert.False(t, batches[msg.BatchID], "batch ids are unique")
		batches[msg.BatchID] = true
		assert.LessOrEqual(t, len(msg.RecipientIDs), 100)
		assert.Equal(t, msg.RecipientIDs[len(msg.RecipientIDs)-1], msg.CursorRecipientID)
		for _, id := range msg.RecipientIDs {
			assert.False(t, seen[id], "recipient %s in two chunks", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 1250)
	assert.Len(t, pub.msgs[12].RecipientIDs, 50)

	w := delivery.NewWorker(m, mail.NewGateway(okProvider{}, mail.Options{MaxBatch: 50}, zerolog.Nop()), 5, zerolog.Nop())
	for _, msg := range pub.msgs {
		require.NoError(t, w.Handle(ctx, msg))
	}
	counts, err := m.CountByStatus(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{models.DeliverySent: 1250}, counts)
}

func TestRunExactPageMultipleTerminates(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 2000, models.NotificationScheduled)
	pub := &capturePublisher{}

	res, err := newTestCoordinator(m, pub).Run(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, Result{Pages: 2, Chunks: 20, Recipients: 2000}, res)
}

func TestRunEmptyAudienceCompletes(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 0, models.NotificationScheduled)
	pub := &capturePublisher{}

	res, err := newTestCoordinator(m, pub).Run(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, models.NotificationCompleted, notificationStatus(t, m, n.ID))
	assert.Zero(t, pub.calls)
}

func TestRunAfterCancelDoesNothing(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 10, models.NotificationCancelled)
	pub := &capturePublisher{}

	res, err := newTestCoordinator(m, pub).Run(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, pub.calls)
	assert.Zero(t, m.ReserveCalls)
	assert.Equal(t, models.NotificationCancelled, notificationStatus(t, m, n.ID))
}

func TestRunMissingNotificationIsSkipped(t *testing.T) {
	m := storetest.NewMemory()
	res, err := newTestCoordinator(m, &capturePublisher{}).Run(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestRunConcurrentInvocationsFanOutOnce(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 250, models.NotificationScheduled)
	pub := &capturePublisher{}
	c := newTestCoordinator(m, pub)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Run(context.Background(), n.ID)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	ran := 0
	for _, r := range results {
		if !r.Skipped {
			ran++
		}
	}
	assert.Equal(t, 1, ran)
	assert.Len(t, pub.msgs, 3)
}

func TestRunPublishFailureRollsBack(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 1250, models.NotificationScheduled)
	pub := &capturePublisher{failOn: 2}

	_, err := newTestCoordinator(m, pub).Run(context.Background(), n.ID)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StagePublish, fe.Stage)
	assert.Equal(t, n.ID, fe.NotificationID)
	assert.Equal(t, models.NotificationScheduled, notificationStatus(t, m, n.ID))

	// An external retry of the whole fan-out succeeds.
	res, err := newTestCoordinator(m, pub).Run(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, 13, res.Chunks)
	assert.Equal(t, models.NotificationCompleted, notificationStatus(t, m, n.ID))
}

func TestRunResolverFailureRollsBack(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 10, models.NotificationScheduled)
	m.RecipientsErr = errors.New("replica lag")

	_, err := newTestCoordinator(m, &capturePublisher{}).Run(context.Background(), n.ID)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageResolve, fe.Stage)
	assert.ErrorContains(t, err, "replica lag")
	assert.Equal(t, models.NotificationScheduled, notificationStatus(t, m, n.ID))
}

func TestRunRollsBackAfterCancellation(t *testing.T) {
	m := storetest.NewMemory()
	n := seed(m, 10, models.NotificationScheduled)
	ctx, cancel := context.WithCancel(context.Background())
	pub := &cancellingPublisher{cancel: cancel}

	_, err := newTestCoordinator(m, pub).Run(ctx, n.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.NotificationScheduled, notificationStatus(t, m, n.ID))
}

type cancellingPublisher struct {
	cancel context.CancelFunc
}

func (p *cancellingPublisher) PublishBatch(ctx context.Context, _ []models.ChunkMessage) error {
	p.cancel()
	return ctx.Err()
}

func TestRunSegmentAudience(t *testing.T) {
	m := storetest.NewMemory()
	m.AddRecipients(
		models.Recipient{ID: "a", Email: "a@example.com", Country: "DE"},
		models.Recipient{ID: "b", Email: "b@example.com", Country: "FR"},
		models.Recipient{ID: "c", Email: "c@example.com", Country: "DE"},
	)
	m.PutNotification(models.Notification{
		ID:              "seg",
		AudienceType:    models.AudienceSegment,
		AudiencePayload: []byte(`{"filters":[{"field":"country","op":"eq","value":"DE"}]}`),
		Status:          models.NotificationScheduled,
	})
	pub := &capturePublisher{}

	res, err := newTestCoordinator(m, pub).Run(context.Background(), "seg")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, []string{"a", "c"}, pub.msgs[0].RecipientIDs)
}
