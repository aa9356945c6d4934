package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrayat000/vidpipe/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateVideo(ctx context.Context, v *models.Video) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ProcessingStatus == "" {
		v.ProcessingStatus = models.StatusPending
	}
	if err := gorm.G[models.Video](s.db).Create(ctx, v); err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}
	return nil
}

func (s *GormStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	v, err := gorm.G[models.Video](s.db).Where("id = ?", id).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return &v, nil
}

func (s *GormStore) UpdateVideo(ctx context.Context, id string, patch models.VideoPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.Video{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update video: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) IncrementViews(ctx context.Context, id string) error {
	n, err := gorm.G[models.Video](s.db).
		Where("id = ? AND is_deleted = ?", id, false).
		Update(ctx, "views", gorm.Expr("views + ?", 1))
	if err != nil {
		return fmt.Errorf("failed to increment views: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteVideo(ctx context.Context, id string) error {
	n, err := gorm.G[models.Video](s.db).Where("id = ?", id).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListPurgeable(ctx context.Context, deletedBefore time.Time) ([]models.Video, error) {
	videos, err := gorm.G[models.Video](s.db).
		Where("is_deleted = ? AND deleted_at < ?", true, deletedBefore).
		Order("deleted_at").
		Find(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list purgeable videos: %w", err)
	}
	return videos, nil
}

func (s *GormStore) CreateSnapshot(ctx context.Context, snap *models.VideoAnalyticsSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if err := gorm.G[models.VideoAnalyticsSnapshot](s.db).Create(ctx, snap); err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to create analytics snapshot: %w", err)
	}
	return nil
}

func (s *GormStore) CountSnapshots(ctx context.Context, videoID string) (int64, error) {
	n, err := gorm.G[models.VideoAnalyticsSnapshot](s.db).Where("video_id = ?", videoID).Count(ctx, "*")
	if err != nil {
		return 0, fmt.Errorf("failed to count analytics snapshots: %w", err)
	}
	return n, nil
}
