package scheduler

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *RedisScheduler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisScheduler(client, "test-schedules")
}

func TestCreateOrUpdateReplacesFireTime(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	first := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Hour)

	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "notification-a", first, Target{NotificationID: "a"}))
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "notification-a", second, Target{NotificationID: "a"}))

	at, ok, err := s.FireAt(ctx, "notification-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(second))
}

func TestClaimDueLeasesOnlyDue(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	now := time.Now()

	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "past", now.Add(-time.Minute), Target{NotificationID: "p"}))
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "future", now.Add(time.Hour), Target{NotificationID: "f"}))

	claims, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "past", claims[0].Name)
	assert.Equal(t, "p", claims[0].Target.NotificationID)

	claims, err = s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	_, ok, err := s.FireAt(ctx, "future")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimDueRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	now := time.Now()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateOrUpdateSchedule(ctx, name, now.Add(-time.Second), Target{NotificationID: name}))
	}

	claims, err := s.ClaimDue(ctx, now, time.Minute, 2)
	require.NoError(t, err)
	assert.Len(t, claims, 2)
	claims, err = s.ClaimDue(ctx, now, time.Minute, 2)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestCancelScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "x", time.Now(), Target{NotificationID: "x"}))

	require.NoError(t, s.CancelSchedule(ctx, "x"))
	require.NoError(t, s.CancelSchedule(ctx, "x"))

	_, ok, err := s.FireAt(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
	claims, err := s.ClaimDue(ctx, time.Now().Add(time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestUncompletedClaimFiresAgainAfterLease(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	now := time.Now()
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "notification-a", now.Add(-time.Second), Target{NotificationID: "a"}))

	claims, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	// The claimant goes away without completing.
	at, ok, err := s.FireAt(ctx, "notification-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(claims[0].LeaseUntil))

	claims, err = s.ClaimDue(ctx, now.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	claims, err = s.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "a", claims[0].Target.NotificationID)
}

func TestCompleteRemovesOnlyTheClaimedLease(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	now := time.Now()
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "done", now.Add(-time.Second), Target{NotificationID: "d"}))
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "moved", now.Add(-time.Second), Target{NotificationID: "m"}))

	claims, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	byName := map[string]Claim{}
	for _, c := range claims {
		byName[c.Name] = c
	}

	later := now.Add(time.Hour)
	require.NoError(t, s.CreateOrUpdateSchedule(ctx, "moved", later, Target{NotificationID: "m"}))

	ok, err := s.Complete(ctx, byName["done"])
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Complete(ctx, byName["moved"])
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.FireAt(ctx, "done")
	require.NoError(t, err)
	assert.False(t, ok)
	at, ok, err := s.FireAt(ctx, "moved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.UnixMilli(), at.UnixMilli())
}
