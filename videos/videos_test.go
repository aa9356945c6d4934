package videos

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/assets"
	"github.com/devrayat000/vidpipe/cache"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "https://cdn.example.com"

// fakeAssets is an assets.Store over a fixed set of objects.
type fakeAssets struct {
	mu         sync.Mutex
	objects    map[string]assets.Kind
	destroyed  []string
	destroyErr error
}

func newFakeAssets(ids map[string]assets.Kind) *fakeAssets {
	return &fakeAssets{objects: ids}
}

func (f *fakeAssets) Inspect(_ context.Context, publicID string, kind assets.Kind) (*assets.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.objects[publicID]; !ok || k != kind {
		return nil, assets.ErrNotFound
	}
	return &assets.Resource{PublicID: publicID, SecureURL: f.SecureURL(publicID, kind), Kind: kind}, nil
}

func (f *fakeAssets) Destroy(_ context.Context, publicID string, _ assets.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, publicID)
	return f.destroyErr
}

func (f *fakeAssets) SecureURL(publicID string, kind assets.Kind) string {
	return baseURL + "/" + string(kind) + "/upload/" + publicID
}

type countingCache struct {
	*cache.MemoryCache
	mu   sync.Mutex
	hits int
}

func (c *countingCache) Get(ctx context.Context, scope string, params cache.Params) (cache.Result, error) {
	res, err := c.MemoryCache.Get(ctx, scope, params)
	if res.Hit {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
	}
	return res, err
}

type starterFunc func() bool

func (f starterFunc) EnsureStarted() bool { return f() }

func completedVideo(t *testing.T, store db.VideoStore) *models.Video {
	t.Helper()
	now := time.Now()
	v := &models.Video{
		OwnerID:               "owner-1",
		Title:                 "Harbor timelapse",
		VideoURL:              baseURL + "/video/upload/videos/owner-1/harbor.mp4",
		VideoPublicID:         "videos/owner-1/harbor",
		SourceHeight:          720,
		Tags:                  models.StringList{" Travel", "travel", "Sea "},
		ProcessingStatus:      models.StatusCompleted,
		ProcessingStep:        models.StepDone,
		ProcessingCompletedAt: &now,
		ProcessingProgress:    100,
		IsPublished:           true,
		IsHlsReady:            true,
	}
	require.NoError(t, store.CreateVideo(context.Background(), v))
	return v
}

func newDetailService(store db.VideoStore, c cache.Cache) *DetailService {
	log, _ := test.NewNullLogger()
	return NewDetailService(store, c, nil, 30*time.Second, log)
}

func TestDetail_CacheHitStillCountsViews(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	c := &countingCache{MemoryCache: cache.NewMemoryCache()}
	svc := newDetailService(store, c)
	v := completedVideo(t, store)

	first, msg, err := svc.Get(ctx, v.ID, "viewer-1", "720")
	require.NoError(t, err)
	assert.Equal(t, "Video fetched successfully", msg)

	second, _, err := svc.Get(ctx, v.ID, "viewer-1", "720")
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, 1, c.hits)

	got, err := store.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Views)

	var d Detail
	require.NoError(t, json.Unmarshal(first, &d))
	assert.Equal(t, "720p", d.SelectedQuality)
	assert.Equal(t, "AUTO", d.DefaultQuality)
	assert.Equal(t, []string{"travel", "sea"}, d.Tags)
	assert.EqualValues(t, 1, d.Views)
	assert.Nil(t, d.Processing)
	assert.False(t, d.IsOwner)
}

func TestDetail_KeyedPerViewerAndQuality(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	c := &countingCache{MemoryCache: cache.NewMemoryCache()}
	svc := newDetailService(store, c)
	v := completedVideo(t, store)

	_, _, err := svc.Get(ctx, v.ID, "viewer-1", "")
	require.NoError(t, err)
	_, _, err = svc.Get(ctx, v.ID, "viewer-2", "")
	require.NoError(t, err)
	_, _, err = svc.Get(ctx, v.ID, "viewer-1", "480p")
	require.NoError(t, err)
	_, _, err = svc.Get(ctx, v.ID, "", "")
	require.NoError(t, err)
	assert.Zero(t, c.hits)

	_, _, err = svc.Get(ctx, v.ID, "viewer-1", "AUTO")
	require.NoError(t, err)
	assert.Equal(t, 1, c.hits)
}

func TestDetail_SoftDeleteHidesCachedPayload(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc := newDetailService(store, cache.NewMemoryCache())
	v := completedVideo(t, store)

	_, _, err := svc.Get(ctx, v.ID, "viewer-1", "")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.UpdateVideo(ctx, v.ID, models.VideoPatch{
		IsDeleted:   models.Ptr(true),
		DeletedAt:   models.Ptr(&now),
		IsPublished: models.Ptr(false),
	}))

	_, _, err = svc.Get(ctx, v.ID, "viewer-1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := store.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Views)

	_, _, err = svc.Get(ctx, v.ID, "owner-1", "")
	assert.NoError(t, err)
}

func TestDetail_OwnerView(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc := newDetailService(store, cache.NewMemoryCache())
	v := completedVideo(t, store)

	raw, _, err := svc.Get(ctx, v.ID, "owner-1", "")
	require.NoError(t, err)

	var d Detail
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.True(t, d.IsOwner)
	require.NotNil(t, d.Processing)
	assert.Equal(t, models.StatusCompleted, d.Processing.ProcessingStatus)

	got, err := store.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Views)
}

func TestDetail_HiddenUntilCompleted(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc := newDetailService(store, cache.NewMemoryCache())
	v := &models.Video{OwnerID: "owner-1", Title: "draft"}
	require.NoError(t, store.CreateVideo(ctx, v))

	_, _, err := svc.Get(ctx, v.ID, "viewer-1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, _, err = svc.Get(ctx, v.ID, "owner-1", "")
	assert.NoError(t, err)

	_, _, err = svc.Get(ctx, "missing", "viewer-1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

type fixedEngagement struct{}

func (fixedEngagement) IsSubscribed(context.Context, string, string) (bool, error) { return true, nil }
func (fixedEngagement) IsLiked(context.Context, string, string) (bool, error) {
	return false, errors.New("likes service down")
}

func TestDetail_EngagementErrorsPropagate(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := db.NewMemoryStore()
	svc := NewDetailService(store, cache.NewMemoryCache(), fixedEngagement{}, time.Second, log)
	v := completedVideo(t, store)

	_, _, err := svc.Get(context.Background(), v.ID, "viewer-1", "")
	assert.Error(t, err)
}

func newPublisher(store db.VideoStore, a assets.Inspector, h queue.Handle, starter Starter) *Publisher {
	log, _ := test.NewNullLogger()
	return NewPublisher(store, a, h, queue.DefaultOptions(), starter, log)
}

func TestPublish_CreatesPendingAndQueues(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	store := db.NewMemoryStore()
	q := queue.NewMemoryQueue(log)
	a := newFakeAssets(map[string]assets.Kind{
		"videos/owner-1/clip":     assets.KindVideo,
		"thumbnails/owner-1/clip": assets.KindImage,
	})
	started := 0
	p := newPublisher(store, a, queue.Some(q), starterFunc(func() bool { started++; return true }))

	v, err := p.Publish(ctx, "owner-1", PublishInput{
		Title:             "  Clip ",
		VideoPublicID:     "videos/owner-1/clip",
		ThumbnailPublicID: "thumbnails/owner-1/clip",
		SourceHeight:      1080,
	})
	require.NoError(t, err)
	assert.Equal(t, "Clip", v.Title)
	assert.Equal(t, baseURL+"/video/upload/videos/owner-1/clip", v.VideoURL)
	assert.Equal(t, baseURL+"/image/upload/thumbnails/owner-1/clip", v.ThumbnailURL)
	assert.Equal(t, 1, started)

	got, err := store.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.ProcessingStatus)
	assert.False(t, got.IsPublished)

	job, err := q.GetJob(ctx, queue.JobIDFor(v.ID))
	require.NoError(t, err)
	assert.Equal(t, v.ID, job.Payload.VideoID)
	assert.Equal(t, 5, job.Options.Attempts)
}

func TestPublish_RejectsForeignAssets(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	q := queue.NewMemoryQueue(log)
	a := newFakeAssets(map[string]assets.Kind{
		"videos/owner-2/clip":     assets.KindVideo,
		"videos/owner-1/clip":     assets.KindVideo,
		"thumbnails/owner-2/clip": assets.KindImage,
	})
	p := newPublisher(db.NewMemoryStore(), a, queue.Some(q), nil)

	_, err := p.Publish(ctx, "owner-1", PublishInput{Title: "x", VideoPublicID: "videos/owner-2/clip"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = p.Publish(ctx, "owner-1", PublishInput{
		Title:             "x",
		VideoPublicID:     "videos/owner-1/clip",
		ThumbnailPublicID: "thumbnails/owner-2/clip",
	})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = p.Publish(ctx, "owner-1", PublishInput{Title: "x", VideoPublicID: "videos/owner-1/missing"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
}

func TestPublish_Validation(t *testing.T) {
	p := newPublisher(db.NewMemoryStore(), newFakeAssets(nil), queue.None(), nil)

	_, err := p.Publish(context.Background(), "owner-1", PublishInput{VideoPublicID: "videos/owner-1/clip"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, apperr.Message(err), "Title")

	_, err = p.Publish(context.Background(), "", PublishInput{Title: "x", VideoPublicID: "videos/owner-1/clip"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestPublish_WithoutQueueStillCreates(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	a := newFakeAssets(map[string]assets.Kind{"videos/owner-1/clip": assets.KindVideo})
	p := newPublisher(store, a, queue.None(), starterFunc(func() bool {
		t.Fatal("pool must not start without a queue")
		return false
	}))

	v, err := p.Publish(ctx, "owner-1", PublishInput{Title: "x", VideoPublicID: "videos/owner-1/clip"})
	require.NoError(t, err)
	got, err := store.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.ProcessingStatus)
}

type lifecycleFixture struct {
	store  *db.MemoryStore
	assets *fakeAssets
	queue  *queue.MemoryQueue
	clock  time.Time
	life   *Lifecycle
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &lifecycleFixture{
		store:  db.NewMemoryStore(),
		assets: newFakeAssets(nil),
		queue:  queue.NewMemoryQueue(log),
		clock:  time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.life = NewLifecycle(f.store, f.assets, queue.Some(f.queue), DefaultGrace, log).
		WithNowFunc(func() time.Time { return f.clock })
	return f
}

func TestLifecycle_SoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	v := completedVideo(t, f.store)

	_, err := f.life.SoftDelete(ctx, v.ID, "owner-2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	deleted, err := f.life.SoftDelete(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.False(t, deleted.IsPublished)
	require.NotNil(t, deleted.DeletedAt)

	_, err = f.life.SoftDelete(ctx, v.ID, "owner-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.clock = f.clock.Add(6 * 24 * time.Hour)
	restored, err := f.life.Restore(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.Nil(t, restored.DeletedAt)
	assert.True(t, restored.IsPublished)

	_, err = f.life.Restore(ctx, v.ID, "owner-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestLifecycle_RestoreAfterGraceFails(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	v := completedVideo(t, f.store)

	_, err := f.life.SoftDelete(ctx, v.ID, "owner-1")
	require.NoError(t, err)

	f.clock = f.clock.Add(8 * 24 * time.Hour)
	_, err = f.life.Restore(ctx, v.ID, "owner-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestLifecycle_SoftDeleteRemovesOutstandingJob(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	v := &models.Video{OwnerID: "owner-1", Title: "pending"}
	require.NoError(t, f.store.CreateVideo(ctx, v))
	_, _, err := f.queue.Enqueue(ctx, queue.JobIDFor(v.ID), queue.Payload{VideoID: v.ID}, queue.DefaultOptions())
	require.NoError(t, err)

	_, err = f.life.SoftDelete(ctx, v.ID, "owner-1")
	require.NoError(t, err)

	_, err = f.queue.GetJob(ctx, queue.JobIDFor(v.ID))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestLifecycle_RestoreRequeuesUnfinishedVideo(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	starts := 0
	f.life.WithProcessing(queue.DefaultOptions(), starterFunc(func() bool { starts++; return true }))

	v := &models.Video{OwnerID: "owner-1", Title: "pending", ProcessingStatus: models.StatusPending}
	require.NoError(t, f.store.CreateVideo(ctx, v))
	_, _, err := f.queue.Enqueue(ctx, queue.JobIDFor(v.ID), queue.Payload{VideoID: v.ID}, queue.DefaultOptions())
	require.NoError(t, err)

	_, err = f.life.SoftDelete(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	_, err = f.queue.GetJob(ctx, queue.JobIDFor(v.ID))
	require.ErrorIs(t, err, queue.ErrJobNotFound)

	restored, err := f.life.Restore(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, restored.ProcessingStatus)
	assert.False(t, restored.IsPublished)

	job, err := f.queue.GetJob(ctx, queue.JobIDFor(v.ID))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, v.ID, job.Payload.VideoID)
	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Outstanding())
	assert.Equal(t, 1, starts)
}

func TestLifecycle_RestoreCompletedVideoQueuesNothing(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	v := completedVideo(t, f.store)

	_, err := f.life.SoftDelete(ctx, v.ID, "owner-1")
	require.NoError(t, err)
	_, err = f.life.Restore(ctx, v.ID, "owner-1")
	require.NoError(t, err)

	_, err = f.queue.GetJob(ctx, queue.JobIDFor(v.ID))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestLifecycle_HardDeleteSurvivesAssetFailures(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	f.assets.destroyErr = errors.New("asset store unavailable")
	v := completedVideo(t, f.store)
	require.NoError(t, f.store.UpdateVideo(ctx, v.ID, models.VideoPatch{
		ThumbnailPublicID: models.Ptr(assets.ThumbnailPublicID(v.VideoPublicID, 2)),
	}))

	require.NoError(t, f.life.HardDelete(ctx, v.ID, "owner-1"))

	_, err := f.store.GetVideo(ctx, v.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, []string{"videos/owner-1/harbor"}, f.assets.destroyed)
}

func TestLifecycle_Purge(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)

	old := completedVideo(t, f.store)
	require.NoError(t, f.store.UpdateVideo(ctx, old.ID, models.VideoPatch{
		ThumbnailPublicID: models.Ptr("thumbnails/owner-1/cover"),
	}))
	_, err := f.life.SoftDelete(ctx, old.ID, "owner-1")
	require.NoError(t, err)

	f.clock = f.clock.Add(5 * 24 * time.Hour)
	recent := completedVideo(t, f.store)
	_, err = f.life.SoftDelete(ctx, recent.ID, "owner-1")
	require.NoError(t, err)

	kept := completedVideo(t, f.store)

	f.clock = f.clock.Add(3 * 24 * time.Hour)
	n, err := f.life.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetVideo(ctx, old.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = f.store.GetVideo(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = f.store.GetVideo(ctx, kept.ID)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"videos/owner-1/harbor", "thumbnails/owner-1/cover"}, f.assets.destroyed)
}
