// Package worker runs video processing jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrayat000/vidpipe/assets"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/quality"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrCancelled = errors.New("processing cancelled")
	ErrVideoGone = errors.New("video no longer exists")
	// ErrAlreadyProcessed marks a redelivery of a job whose video already
	// reached COMPLETED, e.g. when a worker died between writing the result
	// and acknowledging the job.
	ErrAlreadyProcessed = errors.New("video already processed")
)

type ProgressPublisher interface {
	PublishProgress(ctx context.Context, progress models.ProcessingProgress) error
}

type ProcessorConfig struct {
	ThumbnailOffsetSeconds int
}

// Processor advances one video through PENDING -> PROCESSING -> COMPLETED,
// re-reading the row before every write so a concurrent cancel or delete is
// observed at the next checkpoint.
type Processor struct {
	store    db.VideoStore
	progress ProgressPublisher
	cfg      ProcessorConfig
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewProcessor(store db.VideoStore, progress ProgressPublisher, cfg ProcessorConfig, log logrus.FieldLogger) *Processor {
	return &Processor{
		store:    store,
		progress: progress,
		cfg:      cfg,
		log:      log.WithField("component", "processor"),
		now:      time.Now,
	}
}

// CheckNotCancelled reloads the video and returns ErrCancelled or
// ErrVideoGone when processing must stop.
func (p *Processor) CheckNotCancelled(ctx context.Context, videoID string) (*models.Video, error) {
	v, err := p.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrVideoGone
	}
	if err != nil {
		return nil, err
	}
	if v.ProcessingStatus == models.StatusCancelled {
		return nil, ErrCancelled
	}
	return v, nil
}

// HandleJob adapts Process to the pool's job handler.
func (p *Processor) HandleJob(ctx context.Context, job *queue.Job) error {
	return p.Process(ctx, job.Payload.VideoID)
}

// Process runs the state machine for videoID. Cancellation and deletion end
// it quietly, even when they race a failing call; any other error marks the
// video FAILED and is returned so the queue can retry.
func (p *Processor) Process(ctx context.Context, videoID string) error {
	log := p.log.WithField("video_id", videoID)

	err := p.run(ctx, videoID)
	switch {
	case err == nil:
		log.Info("Video processing completed")
		return nil
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrVideoGone), errors.Is(err, ErrAlreadyProcessed):
		log.WithField("reason", err.Error()).Info("Video processing stopped")
		return nil
	}

	// A cancel or delete that landed before the failing call wins.
	if _, cerr := p.CheckNotCancelled(ctx, videoID); errors.Is(cerr, ErrCancelled) || errors.Is(cerr, ErrVideoGone) {
		log.WithError(err).WithField("reason", cerr.Error()).Info("Video processing stopped after error")
		return nil
	}

	log.WithError(err).Error("Video processing failed")
	msg := err.Error()
	if uerr := p.store.UpdateVideo(ctx, videoID, models.VideoPatch{
		ProcessingStatus: models.Ptr(models.StatusFailed),
		ProcessingError:  models.Ptr(&msg),
	}); uerr != nil {
		log.WithError(uerr).Error("Failed to record processing failure")
	}
	p.publish(ctx, videoID, models.StatusFailed, 0, "", msg)
	return err
}

func (p *Processor) run(ctx context.Context, videoID string) error {
	v, err := p.CheckNotCancelled(ctx, videoID)
	if err != nil {
		return err
	}
	if v.ProcessingStatus == models.StatusCompleted {
		return ErrAlreadyProcessed
	}
	if !v.ProcessingStatus.CanTransitionTo(models.StatusProcessing) {
		return fmt.Errorf("cannot process video in state %s", v.ProcessingStatus)
	}

	startedAt := p.now()
	if err := p.store.UpdateVideo(ctx, videoID, models.VideoPatch{
		ProcessingStatus:    models.Ptr(models.StatusProcessing),
		ProcessingStartedAt: &startedAt,
		ProcessingProgress:  models.Ptr(10),
		ProcessingStep:      models.Ptr(models.StepBackgroundTasks),
		ProcessingError:     models.Ptr[*string](nil),
	}); err != nil {
		return fmt.Errorf("failed to mark video processing: %w", err)
	}
	p.publish(ctx, videoID, models.StatusProcessing, 10, models.StepBackgroundTasks, "")

	if _, err := p.CheckNotCancelled(ctx, videoID); err != nil {
		return err
	}
	if err := p.store.CreateSnapshot(ctx, &models.VideoAnalyticsSnapshot{
		ID:         uuid.NewString(),
		VideoID:    videoID,
		CapturedAt: p.now(),
	}); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrVideoGone
		}
		return fmt.Errorf("failed to create analytics snapshot: %w", err)
	}
	p.publish(ctx, videoID, models.StatusProcessing, 40, models.StepBackgroundTasks, "analytics snapshot created")

	v, err = p.CheckNotCancelled(ctx, videoID)
	if err != nil {
		return err
	}

	if v.ThumbnailPublicID == "" && v.VideoPublicID != "" && v.VideoURL != "" {
		thumbURL := assets.DeriveThumbnail(v.VideoURL, p.cfg.ThumbnailOffsetSeconds)
		thumbID := assets.ThumbnailPublicID(v.VideoPublicID, p.cfg.ThumbnailOffsetSeconds)
		if err := p.store.UpdateVideo(ctx, videoID, models.VideoPatch{
			ThumbnailURL:      &thumbURL,
			ThumbnailPublicID: &thumbID,
		}); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrVideoGone
			}
			return fmt.Errorf("failed to save derived thumbnail: %w", err)
		}
		p.publish(ctx, videoID, models.StatusProcessing, 70, models.StepBackgroundTasks, "thumbnail derived")
	}

	if _, err := p.CheckNotCancelled(ctx, videoID); err != nil {
		return err
	}

	qualities := models.StringList(quality.NormalizeAvailableQualities(v.AvailableQualities, v.SourceHeight))
	completedAt := p.now()
	patch := models.VideoPatch{
		ProcessingStatus:      models.Ptr(models.StatusCompleted),
		ProcessingCompletedAt: &completedAt,
		ProcessingProgress:    models.Ptr(100),
		ProcessingStep:        models.Ptr(models.StepDone),
		IsPublished:           models.Ptr(true),
		IsHlsReady:            models.Ptr(true),
		AvailableQualities:    &qualities,
	}
	if v.PlaybackURL == "" && v.VideoURL != "" {
		patch.PlaybackURL = models.Ptr(quality.BuildQualityURL(v.VideoURL, quality.Auto))
	}
	if err := p.store.UpdateVideo(ctx, videoID, patch); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrVideoGone
		}
		return fmt.Errorf("failed to mark video completed: %w", err)
	}
	p.publish(ctx, videoID, models.StatusCompleted, 100, models.StepDone, "")
	return nil
}

func (p *Processor) publish(ctx context.Context, videoID string, status models.ProcessingStatus, progress int, step, message string) {
	if p.progress == nil {
		return
	}
	err := p.progress.PublishProgress(ctx, models.ProcessingProgress{
		VideoID:   videoID,
		Status:    status,
		Progress:  progress,
		Step:      step,
		Message:   message,
		Timestamp: p.now(),
	})
	if err != nil {
		p.log.WithError(err).WithField("video_id", videoID).Warn("Failed to publish progress")
	}
}
