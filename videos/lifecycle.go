package videos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/assets"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/sirupsen/logrus"
)

const DefaultGrace = 7 * 24 * time.Hour

// Lifecycle handles soft delete, restore and permanent removal. The database
// row is the source of truth: remote asset cleanup is best effort.
type Lifecycle struct {
	store  db.VideoStore
	assets assets.Store
	queue  queue.Handle
	grace  time.Duration

	jobOpts queue.Options
	starter Starter

	log logrus.FieldLogger
	now func() time.Time
}

func NewLifecycle(store db.VideoStore, assetStore assets.Store, q queue.Handle, grace time.Duration, log logrus.FieldLogger) *Lifecycle {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Lifecycle{
		store:   store,
		assets:  assetStore,
		queue:   q,
		grace:   grace,
		jobOpts: queue.DefaultOptions(),
		log:     log.WithField("component", "video_lifecycle"),
		now:     time.Now,
	}
}

// WithProcessing sets the job options and optional pool starter used when a
// restored video goes back on the queue.
func (l *Lifecycle) WithProcessing(jobOpts queue.Options, starter Starter) *Lifecycle {
	l.jobOpts = jobOpts
	l.starter = starter
	return l
}

func (l *Lifecycle) WithNowFunc(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

func (l *Lifecycle) owned(ctx context.Context, videoID, requesterID string) (*models.Video, error) {
	v, err := l.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("Video not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load video %s: %w", videoID, err)
	}
	if v.OwnerID != requesterID {
		return nil, apperr.Forbidden("You do not own this video")
	}
	return v, nil
}

func (l *Lifecycle) update(ctx context.Context, v *models.Video, patch models.VideoPatch) error {
	if err := l.store.UpdateVideo(ctx, v.ID, patch); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.NotFound("Video not found")
		}
		return fmt.Errorf("update video %s: %w", v.ID, err)
	}
	patch.Apply(v)
	return nil
}

// SoftDelete hides the video and starts its grace window.
func (l *Lifecycle) SoftDelete(ctx context.Context, videoID, requesterID string) (*models.Video, error) {
	v, err := l.owned(ctx, videoID, requesterID)
	if err != nil {
		return nil, err
	}
	if v.IsDeleted {
		return nil, apperr.InvalidState("Video is already deleted")
	}

	l.removeJob(ctx, videoID)

	now := l.now()
	err = l.update(ctx, v, models.VideoPatch{
		IsDeleted:   models.Ptr(true),
		DeletedAt:   models.Ptr(&now),
		IsPublished: models.Ptr(false),
	})
	if err != nil {
		return nil, err
	}
	l.log.WithField("video_id", videoID).Info("Video moved to trash")
	return v, nil
}

// Restore undoes a soft delete while the grace window is open. Soft delete
// drops the video's job, so an unfinished video is queued again.
func (l *Lifecycle) Restore(ctx context.Context, videoID, requesterID string) (*models.Video, error) {
	v, err := l.owned(ctx, videoID, requesterID)
	if err != nil {
		return nil, err
	}
	if !v.IsDeleted {
		return nil, apperr.InvalidState("Video is not deleted")
	}
	if v.DeletedAt != nil && l.now().Sub(*v.DeletedAt) > l.grace {
		return nil, apperr.InvalidState("Restore window has expired")
	}

	err = l.update(ctx, v, models.VideoPatch{
		IsDeleted:   models.Ptr(false),
		DeletedAt:   models.Ptr[*time.Time](nil),
		IsPublished: models.Ptr(v.ProcessingStatus == models.StatusCompleted && v.IsHlsReady),
	})
	if err != nil {
		return nil, err
	}
	log := l.log.WithField("video_id", videoID)
	log.Info("Video restored")

	if needsProcessing(v.ProcessingStatus) {
		queueProcessing(ctx, l.queue, l.jobOpts, l.starter, videoID, log)
	}
	return v, nil
}

// HardDelete removes the video immediately, regardless of the grace window.
func (l *Lifecycle) HardDelete(ctx context.Context, videoID, requesterID string) error {
	v, err := l.owned(ctx, videoID, requesterID)
	if err != nil {
		return err
	}
	l.removeJob(ctx, videoID)
	return l.destroy(ctx, v)
}

// Purge permanently removes every video whose grace window has passed.
func (l *Lifecycle) Purge(ctx context.Context) (int, error) {
	expired, err := l.store.ListPurgeable(ctx, l.now().Add(-l.grace))
	if err != nil {
		return 0, fmt.Errorf("list purgeable videos: %w", err)
	}

	var errs []error
	purged := 0
	for i := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := l.destroy(ctx, &expired[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	return purged, errors.Join(errs...)
}

func (l *Lifecycle) destroy(ctx context.Context, v *models.Video) error {
	log := l.log.WithField("video_id", v.ID)

	if v.VideoPublicID != "" {
		l.destroyAsset(ctx, log, v.VideoPublicID, assets.KindVideo)
	}
	// Derived thumbnails are transformations of the video, not stored objects.
	if v.ThumbnailPublicID != "" && !assets.IsDerivedThumbnail(v.ThumbnailPublicID, v.VideoPublicID) {
		l.destroyAsset(ctx, log, v.ThumbnailPublicID, assets.KindImage)
	}

	if err := l.store.DeleteVideo(ctx, v.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("delete video %s: %w", v.ID, err)
	}
	log.Info("Video permanently deleted")
	return nil
}

func (l *Lifecycle) destroyAsset(ctx context.Context, log logrus.FieldLogger, publicID string, kind assets.Kind) {
	err := l.assets.Destroy(ctx, publicID, kind)
	if err != nil && !errors.Is(err, assets.ErrNotFound) {
		log.WithError(err).WithFields(logrus.Fields{"public_id": publicID, "kind": kind}).
			Warn("Failed to delete remote asset")
	}
}

func needsProcessing(s models.ProcessingStatus) bool {
	switch s {
	case models.StatusPending, models.StatusProcessing, models.StatusFailed:
		return true
	}
	return false
}

func (l *Lifecycle) removeJob(ctx context.Context, videoID string) {
	if _, err := l.queue.RemoveOutstanding(ctx, videoID); err != nil {
		l.log.WithError(err).WithField("video_id", videoID).Warn("Failed to remove job from queue")
	}
}
