// Package processing exposes the read and cancel paths over a video's
// processing state.
package processing

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/sirupsen/logrus"
)

type Service struct {
	store db.VideoStore
	queue queue.Handle
	log   logrus.FieldLogger
}

func NewService(store db.VideoStore, q queue.Handle, log logrus.FieldLogger) *Service {
	return &Service{store: store, queue: q, log: log.WithField("component", "processing")}
}

func (s *Service) load(ctx context.Context, videoID string) (*models.Video, error) {
	v, err := s.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("Video not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load video %s: %w", videoID, err)
	}
	return v, nil
}

// GetStatus returns whatever processing state is currently persisted.
func (s *Service) GetStatus(ctx context.Context, videoID string) (models.ProcessingStatusView, error) {
	v, err := s.load(ctx, videoID)
	if err != nil {
		return models.ProcessingStatusView{}, err
	}
	return v.StatusView(), nil
}

// Cancel removes any outstanding job and marks the video CANCELLED. A worker
// that already leased the job sees the new status at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, videoID, requesterID string) (models.ProcessingStatusView, error) {
	v, err := s.load(ctx, videoID)
	if err != nil {
		return models.ProcessingStatusView{}, err
	}
	if v.OwnerID != requesterID {
		return models.ProcessingStatusView{}, apperr.Forbidden("You can only cancel processing for your own videos")
	}
	if !v.ProcessingStatus.Cancellable() {
		return models.ProcessingStatusView{}, apperr.InvalidState(
			fmt.Sprintf("Cannot cancel processing when status is %s", v.ProcessingStatus))
	}

	s.removeJob(ctx, videoID)

	patch := models.VideoPatch{
		ProcessingStatus: models.Ptr(models.StatusCancelled),
		IsPublished:      models.Ptr(false),
	}
	if err := s.store.UpdateVideo(ctx, videoID, patch); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.ProcessingStatusView{}, apperr.NotFound("Video not found")
		}
		return models.ProcessingStatusView{}, fmt.Errorf("cancel video %s: %w", videoID, err)
	}
	patch.Apply(v)

	s.log.WithFields(logrus.Fields{"video_id": videoID, "requested_by": requesterID}).Info("Processing cancelled")
	return v.StatusView(), nil
}

// removeJob is best effort: the status write is the authoritative signal.
func (s *Service) removeJob(ctx context.Context, videoID string) {
	removed, err := s.queue.RemoveOutstanding(ctx, videoID)
	log := s.log.WithFields(logrus.Fields{"video_id": videoID, "job_id": queue.JobIDFor(videoID)})
	if err != nil {
		log.WithError(err).Warn("Failed to remove job from queue")
		return
	}
	if removed {
		log.Debug("Removed job from queue")
	}
}
