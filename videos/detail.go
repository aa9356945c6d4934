// Package videos implements the video lifecycle around the processing
// pipeline: publishing, the cached detail read and deletion.
package videos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/cache"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/quality"
	"github.com/sirupsen/logrus"
)

const detailMessage = "Video fetched successfully"

// Engagement answers the viewer-specific parts of the detail view. It is
// backed by the social graph, which lives outside this service.
type Engagement interface {
	IsSubscribed(ctx context.Context, viewerID, channelID string) (bool, error)
	IsLiked(ctx context.Context, viewerID, videoID string) (bool, error)
}

// NoEngagement reports false for everything.
type NoEngagement struct{}

func (NoEngagement) IsSubscribed(context.Context, string, string) (bool, error) { return false, nil }
func (NoEngagement) IsLiked(context.Context, string, string) (bool, error)      { return false, nil }

type Detail struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"ownerId"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	ThumbnailURL      string    `json:"thumbnailUrl"`
	Duration          float64   `json:"duration"`
	Views             int64     `json:"views"`
	Tags              []string  `json:"tags"`
	TranscriptSummary string    `json:"transcriptSummary"`
	CreatedAt         time.Time `json:"createdAt"`
	IsLiked           bool      `json:"isLiked"`
	IsSubscribed      bool      `json:"isSubscribed"`
	IsOwner           bool      `json:"isOwner"`

	quality.StreamingPayload

	// Processing is only shown to the owner.
	Processing *models.ProcessingStatusView `json:"processing,omitempty"`
}

type DetailService struct {
	store      db.VideoStore
	cache      cache.Cache
	engagement Engagement
	ttl        time.Duration
	log        logrus.FieldLogger
}

func NewDetailService(store db.VideoStore, c cache.Cache, engagement Engagement, ttl time.Duration, log logrus.FieldLogger) *DetailService {
	if engagement == nil {
		engagement = NoEngagement{}
	}
	return &DetailService{
		store:      store,
		cache:      c,
		engagement: engagement,
		ttl:        ttl,
		log:        log.WithField("component", "video_detail"),
	}
}

// Get returns the formatted detail payload for viewerID. A cache hit skips
// the projection but still counts the view; counting fails with NotFound
// once the video is soft-deleted, so stale entries stop being served.
func (s *DetailService) Get(ctx context.Context, videoID, viewerID, requestedQuality string) (json.RawMessage, string, error) {
	params := cache.DetailParams(videoID, viewerID, requestedQuality)
	log := s.log.WithFields(logrus.Fields{"video_id": videoID, "viewer": params["viewer"]})

	res, err := s.cache.Get(ctx, cache.ScopeVideoDetail, params)
	if err != nil {
		log.WithError(err).Warn("Detail cache read failed")
	} else if res.Hit {
		if err := s.countView(ctx, videoID, viewerID, res.Value.OwnerID); err != nil {
			return nil, "", err
		}
		return res.Value.Payload, res.Value.Message, nil
	}

	v, err := s.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, "", apperr.NotFound("Video not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("load video %s: %w", videoID, err)
	}
	if !v.VisibleTo(viewerID) {
		return nil, "", apperr.NotFound("Video not found")
	}

	detail, err := s.project(ctx, v, viewerID, requestedQuality)
	if err != nil {
		return nil, "", err
	}
	if err := s.countView(ctx, videoID, viewerID, v.OwnerID); err != nil {
		return nil, "", err
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		return nil, "", fmt.Errorf("encode video detail: %w", err)
	}
	entry := cache.Entry{Payload: payload, Message: detailMessage, OwnerID: v.OwnerID}
	if err := s.cache.Set(ctx, cache.ScopeVideoDetail, params, entry, s.ttl); err != nil {
		log.WithError(err).Warn("Detail cache write failed")
	}
	return payload, detailMessage, nil
}

func (s *DetailService) countView(ctx context.Context, videoID, viewerID, ownerID string) error {
	if viewerID != "" && viewerID == ownerID {
		return nil
	}
	if err := s.store.IncrementViews(ctx, videoID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.NotFound("Video not found")
		}
		return fmt.Errorf("count view on %s: %w", videoID, err)
	}
	return nil
}

func (s *DetailService) project(ctx context.Context, v *models.Video, viewerID, requestedQuality string) (*Detail, error) {
	isOwner := viewerID != "" && viewerID == v.OwnerID
	d := &Detail{
		ID:                v.ID,
		OwnerID:           v.OwnerID,
		Title:             v.Title,
		Description:       v.Description,
		ThumbnailURL:      v.ThumbnailURL,
		Duration:          v.Duration,
		Views:             v.Views,
		Tags:              flattenTags(v.Tags),
		TranscriptSummary: summarize(v.TranscriptSummary),
		CreatedAt:         v.CreatedAt,
		IsOwner:           isOwner,
		StreamingPayload: quality.BuildVideoStreamingPayload(quality.StreamingInput{
			SourceURL:         v.VideoURL,
			RawQualities:      v.AvailableQualities,
			SourceHeight:      v.SourceHeight,
			Requested:         requestedQuality,
			MasterPlaylistURL: v.MasterPlaylistURL,
		}),
	}
	if !isOwner {
		d.Views++
	}

	if viewerID != "" {
		var err error
		if d.IsLiked, err = s.engagement.IsLiked(ctx, viewerID, v.ID); err != nil {
			return nil, fmt.Errorf("like state: %w", err)
		}
		if !isOwner {
			if d.IsSubscribed, err = s.engagement.IsSubscribed(ctx, viewerID, v.OwnerID); err != nil {
				return nil, fmt.Errorf("subscription state: %w", err)
			}
		}
	}
	if isOwner {
		view := v.StatusView()
		d.Processing = &view
	}
	return d, nil
}

func flattenTags(tags models.StringList) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

const maxSummaryRunes = 280

func summarize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxSummaryRunes {
		return s
	}
	return strings.TrimSpace(string(r[:maxSummaryRunes])) + "..."
}
