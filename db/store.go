// Package db persists videos and their analytics snapshots.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/models"
)

var ErrNotFound = fmt.Errorf("video %w", apperr.ErrNotFound)

// VideoStore is the typed access the pipeline needs. Every processing-field
// write goes through UpdateVideo as a partial update.
type VideoStore interface {
	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	UpdateVideo(ctx context.Context, id string, patch models.VideoPatch) error
	// IncrementViews returns ErrNotFound for soft-deleted videos.
	IncrementViews(ctx context.Context, id string) error
	DeleteVideo(ctx context.Context, id string) error
	ListPurgeable(ctx context.Context, deletedBefore time.Time) ([]models.Video, error)

	// CreateSnapshot returns ErrNotFound when the video row is gone.
	CreateSnapshot(ctx context.Context, s *models.VideoAnalyticsSnapshot) error
	CountSnapshots(ctx context.Context, videoID string) (int64, error)
}
