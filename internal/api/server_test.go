package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-fanout/internal/auth"
	"notification-fanout/internal/models"
	"notification-fanout/internal/notification"
	"notification-fanout/internal/queue"
	"notification-fanout/internal/ratelimit"
	"notification-fanout/internal/scheduler"
	"notification-fanout/internal/store/storetest"
)

type fakeExporter struct {
	calls []string
}

func (f *fakeExporter) Export(_ context.Context, id string) (string, error) {
	f.calls = append(f.calls, id)
	return "file:///reports/" + id + ".csv", nil
}

type testServer struct {
	handler  http.Handler
	store    *storetest.Memory
	sched    *scheduler.RedisScheduler
	exporter *fakeExporter
	queue    *queue.RedisQueue
	token    string
}

func newTestServer(t *testing.T, capacity int) testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := storetest.NewMemory()
	sched := scheduler.NewRedisScheduler(client, "schedules")
	svc := notification.NewService(st, sched, auth.CurrentAdmin, zerolog.Nop())
	verifier := auth.NewVerifier("secret", "notification-fanout", time.Hour)
	limiter := ratelimit.NewTokenBucket(client, capacity, 0.001, time.Minute)
	exporter := &fakeExporter{}
	q := queue.NewRedisQueueWithClient(client, "chunks", time.Minute, 3)

	token, err := verifier.Issue("admin-1")
	require.NoError(t, err)

	srv := New(svc, verifier, limiter, exporter, q, zerolog.Nop())
	return testServer{handler: srv.Router(), store: st, sched: sched, exporter: exporter, queue: q, token: token}
}

type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

func (ts testServer) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func createBody() map[string]any {
	return map[string]any{
		"title":         "Launch",
		"subject":       "We are live",
		"body_text":     "Come and see.",
		"send_at":       time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"audience_type": "ALL",
	}
}

func (ts testServer) create(t *testing.T) models.Notification {
	t.Helper()
	code, resp := ts.do(t, http.MethodPost, "/notifications", createBody())
	require.Equal(t, http.StatusCreated, code)
	var n models.Notification
	require.NoError(t, json.Unmarshal(resp.Data, &n))
	return n
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t, 10)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"data":{"status":"ok"}}`, rec.Body.String())
}

func TestRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.token = "not-a-token"
	code, resp := ts.do(t, http.MethodGet, "/notifications", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.OK)
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestCreateAndGet(t *testing.T) {
	ts := newTestServer(t, 10)
	n := ts.create(t)
	assert.Equal(t, models.NotificationScheduled, n.Status)
	assert.Equal(t, "admin-1", n.CreatedBy)

	_, ok, err := ts.sched.FireAt(context.Background(), notification.JobName(n.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	code, resp := ts.do(t, http.MethodGet, "/notifications/"+n.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var got models.Notification
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, n.ID, got.ID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, 10)

	code, resp := ts.do(t, http.MethodPost, "/notifications", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)

	body := createBody()
	body["title"] = ""
	code, resp = ts.do(t, http.MethodPost, "/notifications", body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
}

func TestGetUnknownIsNotFound(t *testing.T) {
	ts := newTestServer(t, 10)
	code, resp := ts.do(t, http.MethodGet, "/notifications/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestListFiltersByStatus(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.create(t)
	ts.create(t)

	code, resp := ts.do(t, http.MethodGet, "/notifications?status=SCHEDULED&limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var items []models.Notification
	require.NoError(t, json.Unmarshal(resp.Data, &items))
	assert.Len(t, items, 2)

	code, resp = ts.do(t, http.MethodGet, "/notifications?status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(resp.Data))
}

func TestPatchReschedules(t *testing.T) {
	ts := newTestServer(t, 10)
	n := ts.create(t)

	later := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	code, resp := ts.do(t, http.MethodPatch, "/notifications/"+n.ID, map[string]any{
		"subject": "Still live",
		"send_at": later.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, code, resp.Error)
	var got models.Notification
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "Still live", got.Subject)

	fireAt, ok, err := ts.sched.FireAt(context.Background(), notification.JobName(n.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(later))
}

func TestCancelThenPatchConflicts(t *testing.T) {
	ts := newTestServer(t, 10)
	n := ts.create(t)

	code, resp := ts.do(t, http.MethodPost, "/notifications/"+n.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	var got models.Notification
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, models.NotificationCancelled, got.Status)

	code, resp = ts.do(t, http.MethodPatch, "/notifications/"+n.ID, map[string]any{"title": "again"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NOT_EDITABLE", resp.Error.Code)
}

func TestSummaryZeroFills(t *testing.T) {
	ts := newTestServer(t, 10)
	n := ts.create(t)

	code, resp := ts.do(t, http.MethodGet, "/notifications/"+n.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, code)
	var sum notification.Summary
	require.NoError(t, json.Unmarshal(resp.Data, &sum))
	assert.Zero(t, sum.Total)
	for _, s := range models.DeliveryStatuses {
		v, ok := sum.Counts[s]
		assert.True(t, ok, s)
		assert.Zero(t, v)
	}
}

func TestReportExport(t *testing.T) {
	ts := newTestServer(t, 10)
	n := ts.create(t)

	code, resp := ts.do(t, http.MethodPost, "/notifications/"+n.ID+"/report", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"location":"file:///reports/`+n.ID+`.csv"}`, string(resp.Data))

	code, _ = ts.do(t, http.MethodPost, "/notifications/missing/report", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, []string{n.ID}, ts.exporter.calls)
}

func TestDLQListsIDs(t *testing.T) {
	ts := newTestServer(t, 10)

	code, resp := ts.do(t, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"items":[]}`, string(resp.Data))
}

func TestRateLimitPerAdmin(t *testing.T) {
	ts := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		code, _ := ts.do(t, http.MethodGet, "/notifications", nil)
		require.Equal(t, http.StatusOK, code)
	}
	code, resp := ts.do(t, http.MethodGet, "/notifications", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)
}
