package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrayat000/vidpipe/assets"
	"github.com/devrayat000/vidpipe/cache"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/processing"
	"github.com/devrayat000/vidpipe/pubsub"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/devrayat000/vidpipe/videos"
	"github.com/devrayat000/vidpipe/worker"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAssets struct{}

func (stubAssets) Inspect(_ context.Context, publicID string, kind assets.Kind) (*assets.Resource, error) {
	if !strings.HasPrefix(publicID, string(kind)+"s/") && !(kind == assets.KindImage && strings.HasPrefix(publicID, "thumbnails/")) {
		return nil, assets.ErrNotFound
	}
	return &assets.Resource{PublicID: publicID, SecureURL: "https://cdn.test/" + string(kind) + "/upload/" + publicID, Kind: kind}, nil
}

func (stubAssets) Destroy(context.Context, string, assets.Kind) error { return nil }

func (stubAssets) SecureURL(publicID string, kind assets.Kind) string {
	return "https://cdn.test/" + string(kind) + "/upload/" + publicID
}

type stubWorker struct {
	state  worker.State
	starts int
}

func (w *stubWorker) Status() worker.Status { return worker.Status{State: w.state, Concurrency: 2} }

func (w *stubWorker) ForceStart() bool {
	w.starts++
	if w.state == worker.StateRunning {
		return false
	}
	w.state = worker.StateRunning
	return true
}

type fixture struct {
	store  *db.MemoryStore
	queue  *queue.MemoryQueue
	bus    *pubsub.LocalBus
	worker *stubWorker
	server *Server
}

func newFixture(t *testing.T, limiter RateLimiter) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &fixture{
		store:  db.NewMemoryStore(),
		queue:  queue.NewMemoryQueue(log),
		bus:    pubsub.NewLocalBus(),
		worker: &stubWorker{state: worker.StateStopped},
	}
	h := queue.Some(f.queue)
	f.server = NewServer(Deps{
		Processing: processing.NewService(f.store, h, log),
		Details:    videos.NewDetailService(f.store, cache.NewMemoryCache(), nil, 30*time.Second, log),
		Publisher:  videos.NewPublisher(f.store, stubAssets{}, h, queue.DefaultOptions(), nil, log),
		Lifecycle:  videos.NewLifecycle(f.store, stubAssets{}, h, videos.DefaultGrace, log),
		Queue:      h,
		Progress:   f.bus,
		Worker:     f.worker,
		Limiter:    limiter,
		AdminToken: "s3cret",
		Log:        log,
	})
	f.server.pollInterval = 20 * time.Millisecond
	return f
}

func (f *fixture) createVideo(t *testing.T, status models.ProcessingStatus) *models.Video {
	t.Helper()
	v := &models.Video{
		OwnerID:          "owner-1",
		Title:            "clip",
		VideoURL:         "https://cdn.test/video/upload/videos/owner-1/clip.mp4",
		VideoPublicID:    "videos/owner-1/clip",
		SourceHeight:     720,
		ProcessingStatus: status,
	}
	if status == models.StatusCompleted {
		v.IsPublished, v.IsHlsReady, v.ProcessingProgress = true, true, 100
	}
	require.NoError(t, f.store.CreateVideo(context.Background(), v))
	return v
}

func (f *fixture) do(method, path, user, body string, headers ...string) (*httptest.ResponseRecorder, Response) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec, resp := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublish(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"title":"clip","videoPublicId":"videos/owner-1/clip","sourceHeight":720}`

	rec, resp := f.do(http.MethodPost, "/api/v1/videos", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)

	rec, resp = f.do(http.MethodPost, "/api/v1/videos", "owner-2", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = f.do(http.MethodPost, "/api/v1/videos", "owner-1", `{"videoPublicId":"videos/owner-1/clip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = f.do(http.MethodPost, "/api/v1/videos", "owner-1", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "PENDING", data["processingStatus"])
	id := data["id"].(string)

	job, err := f.queue.GetJob(context.Background(), queue.JobIDFor(id))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
}

func TestProcessingStatus(t *testing.T) {
	f := newFixture(t, nil)
	v := f.createVideo(t, models.StatusPending)

	rec, _ := f.do(http.MethodGet, "/api/v1/videos/missing/processing-status", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	first, resp := f.do(http.MethodGet, "/api/v1/videos/"+v.ID+"/processing-status", "", "")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "PENDING", resp.Data.(map[string]any)["processingStatus"])

	second, _ := f.do(http.MethodGet, "/api/v1/videos/"+v.ID+"/processing-status", "", "")
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestCancelProcessing(t *testing.T) {
	f := newFixture(t, nil)
	pending := f.createVideo(t, models.StatusPending)
	done := f.createVideo(t, models.StatusCompleted)

	rec, _ := f.do(http.MethodPatch, "/api/v1/videos/"+pending.ID+"/cancel-processing", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(http.MethodPatch, "/api/v1/videos/"+pending.ID+"/cancel-processing", "owner-2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(http.MethodPatch, "/api/v1/videos/missing/cancel-processing", "owner-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp := f.do(http.MethodPatch, "/api/v1/videos/"+done.ID+"/cancel-processing", "owner-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Message, "COMPLETED")

	rec, resp = f.do(http.MethodPatch, "/api/v1/videos/"+pending.ID+"/cancel-processing", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", resp.Data.(map[string]any)["processingStatus"])
}

func TestGetVideo(t *testing.T) {
	f := newFixture(t, nil)
	draft := f.createVideo(t, models.StatusProcessing)
	done := f.createVideo(t, models.StatusCompleted)

	rec, _ := f.do(http.MethodGet, "/api/v1/videos/"+draft.ID, "viewer-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp := f.do(http.MethodGet, "/api/v1/videos/"+done.ID+"?quality=480", "viewer-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "480p", data["selectedQuality"])
	assert.Equal(t, "AUTO", data["defaultQuality"])

	rec, _ = f.do(http.MethodGet, "/api/v1/videos/"+done.ID+"?quality=480", "viewer-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetVideo(context.Background(), done.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Views)
}

func TestDeleteRestorePermanent(t *testing.T) {
	f := newFixture(t, nil)
	v := f.createVideo(t, models.StatusCompleted)
	base := "/api/v1/videos/" + v.ID

	rec, _ := f.do(http.MethodDelete, base, "owner-2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := f.do(http.MethodDelete, base, "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp.Data.(map[string]any)["isDeleted"])

	rec, _ = f.do(http.MethodGet, base, "viewer-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = f.do(http.MethodPatch, base+"/restore", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, resp.Data.(map[string]any)["isDeleted"])

	rec, _ = f.do(http.MethodDelete, base+"/permanent", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.GetVideo(context.Background(), v.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, NewRateLimiter(0.001, 1, time.Minute))
	v := f.createVideo(t, models.StatusCompleted)
	path := "/api/v1/videos/" + v.ID + "/cancel-processing"

	rec, _ := f.do(http.MethodPatch, path, "owner-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := f.do(http.MethodPatch, path, "owner-1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = f.do(http.MethodPatch, path, "owner-2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(http.MethodGet, "/api/v1/videos/"+v.ID+"/processing-status", "owner-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Minute).(*keyRateLimiter)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.WithNowFunc(func() time.Time { return now })

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))

	now = now.Add(2 * time.Minute)
	l.Allow("c")
	l.mu.Lock()
	assert.Len(t, l.visitors, 1)
	l.mu.Unlock()
}

func TestRateLimiter_SweepsOncePerTTL(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Minute).(*keyRateLimiter)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	l.WithNowFunc(func() time.Time { return now })

	l.Allow("a")
	now = start.Add(30 * time.Second)
	l.Allow("b")

	// a is stale here and the last sweep was over a minute ago.
	now = start.Add(70 * time.Second)
	l.Allow("c")
	l.mu.Lock()
	assert.NotContains(t, l.visitors, "a")
	assert.Len(t, l.visitors, 2)
	l.mu.Unlock()

	// b is stale too, but the next sweep is not due yet.
	now = start.Add(100 * time.Second)
	l.Allow("d")
	l.mu.Lock()
	assert.Contains(t, l.visitors, "b")
	assert.Len(t, l.visitors, 3)
	l.mu.Unlock()
}

func TestWorkerEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	v := f.createVideo(t, models.StatusPending)
	_, _, err := f.queue.Enqueue(context.Background(), queue.JobIDFor(v.ID), queue.Payload{VideoID: v.ID}, queue.DefaultOptions())
	require.NoError(t, err)

	rec, resp := f.do(http.MethodGet, "/api/v1/processing/worker", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["queueAvailable"])
	assert.EqualValues(t, 1, data["queue"].(map[string]any)["waiting"])
	assert.Equal(t, "stopped", data["pool"].(map[string]any)["state"])

	rec, _ = f.do(http.MethodPost, "/api/v1/processing/worker/start", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = f.do(http.MethodPost, "/api/v1/processing/worker/start", "", "", HeaderAdminToken, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.worker.starts)

	rec, resp = f.do(http.MethodPost, "/api/v1/processing/worker/start", "", "", HeaderAdminToken, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Worker pool started", resp.Message)

	rec, resp = f.do(http.MethodPost, "/api/v1/processing/worker/start", "", "", HeaderAdminToken, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Worker pool already running", resp.Message)
}

func TestProcessingEvents_TerminalVideoClosesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	v := f.createVideo(t, models.StatusCompleted)

	rec, _ := f.do(http.MethodGet, "/api/v1/videos/"+v.ID+"/processing-events", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: progress"))
	assert.Contains(t, rec.Body.String(), `"status":"COMPLETED"`)

	rec, _ = f.do(http.MethodGet, "/api/v1/videos/missing/processing-events", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readEvent(t *testing.T, r *bufio.Reader) models.ProcessingProgress {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var p models.ProcessingProgress
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &p))
			return p
		}
	}
}

func TestProcessingEvents_StreamsUntilTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.server.pollInterval = time.Hour
	v := f.createVideo(t, models.StatusProcessing)

	srv := httptest.NewServer(f.server)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/videos/" + v.ID + "/processing-events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	r := bufio.NewReader(resp.Body)

	first := readEvent(t, r)
	assert.Equal(t, models.StatusProcessing, first.Status)

	ctx := context.Background()
	require.NoError(t, f.bus.PublishProgress(ctx, models.ProcessingProgress{
		VideoID: v.ID, Status: models.StatusProcessing, Progress: 40, Step: "BACKGROUND_TASKS",
	}))
	assert.Equal(t, 40, readEvent(t, r).Progress)

	require.NoError(t, f.bus.PublishProgress(ctx, models.ProcessingProgress{
		VideoID: v.ID, Status: models.StatusCompleted, Progress: 100, Step: "DONE",
	}))
	last := readEvent(t, r)
	assert.Equal(t, models.StatusCompleted, last.Status)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "\n", string(rest))
}
