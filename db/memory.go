package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrayat000/vidpipe/models"
	"github.com/google/uuid"
)

// MemoryStore is a VideoStore backed by maps, for tests and local runs
// without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	videos    map[string]*models.Video
	snapshots map[string][]models.VideoAnalyticsSnapshot
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:    make(map[string]*models.Video),
		snapshots: make(map[string][]models.VideoAnalyticsSnapshot),
		now:       time.Now,
	}
}

func cloneVideo(v *models.Video) *models.Video {
	c := *v
	c.Tags = append(models.StringList(nil), v.Tags...)
	c.AvailableQualities = append(models.StringList(nil), v.AvailableQualities...)
	if v.ProcessingError != nil {
		msg := *v.ProcessingError
		c.ProcessingError = &msg
	}
	if v.ProcessingStartedAt != nil {
		t := *v.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if v.ProcessingCompletedAt != nil {
		t := *v.ProcessingCompletedAt
		c.ProcessingCompletedAt = &t
	}
	if v.DeletedAt != nil {
		t := *v.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateVideo(_ context.Context, v *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ProcessingStatus == "" {
		v.ProcessingStatus = models.StatusPending
	}
	now := s.now()
	v.CreatedAt, v.UpdatedAt = now, now
	s.videos[v.ID] = cloneVideo(v)
	return nil
}

func (s *MemoryStore) GetVideo(_ context.Context, id string) (*models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVideo(v), nil
}

func (s *MemoryStore) UpdateVideo(_ context.Context, id string, patch models.VideoPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(v)
	v.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) IncrementViews(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok || v.IsDeleted {
		return ErrNotFound
	}
	v.Views++
	return nil
}

func (s *MemoryStore) DeleteVideo(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[id]; !ok {
		return ErrNotFound
	}
	delete(s.videos, id)
	delete(s.snapshots, id)
	return nil
}

func (s *MemoryStore) ListPurgeable(_ context.Context, deletedBefore time.Time) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Video
	for _, v := range s.videos {
		if v.IsDeleted && v.DeletedAt != nil && v.DeletedAt.Before(deletedBefore) {
			out = append(out, *cloneVideo(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	return out, nil
}

func (s *MemoryStore) CreateSnapshot(_ context.Context, snap *models.VideoAnalyticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[snap.VideoID]; !ok {
		return ErrNotFound
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	s.snapshots[snap.VideoID] = append(s.snapshots[snap.VideoID], *snap)
	return nil
}

func (s *MemoryStore) CountSnapshots(_ context.Context, videoID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.snapshots[videoID])), nil
}
