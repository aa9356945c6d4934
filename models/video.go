package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Video struct {
	ID                string     `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	OwnerID           string     `json:"ownerId" gorm:"column:owner_id;type:varchar(64);not null;index"`
	Title             string     `json:"title" gorm:"column:title;type:varchar(255);not null"`
	Description       string     `json:"description" gorm:"column:description;type:text"`
	VideoURL          string     `json:"videoUrl" gorm:"column:video_url;type:text"`
	VideoPublicID     string     `json:"videoPublicId" gorm:"column:video_public_id;type:text"`
	ThumbnailURL      string     `json:"thumbnailUrl" gorm:"column:thumbnail_url;type:text"`
	ThumbnailPublicID string     `json:"thumbnailPublicId" gorm:"column:thumbnail_public_id;type:text"`
	Duration          float64    `json:"duration" gorm:"column:duration;type:double precision;not null;default:0"`
	SourceHeight      int        `json:"sourceHeight" gorm:"column:source_height;not null;default:0"`
	Tags              StringList `json:"tags" gorm:"column:tags;type:jsonb"`
	TranscriptSummary string     `json:"transcriptSummary" gorm:"column:transcript_summary;type:text"`

	PlaybackURL        string     `json:"playbackUrl" gorm:"column:playback_url;type:text"`
	MasterPlaylistURL  string     `json:"masterPlaylistUrl" gorm:"column:master_playlist_url;type:text"`
	AvailableQualities StringList `json:"availableQualities" gorm:"column:available_qualities;type:jsonb"`

	ProcessingStatus      ProcessingStatus `json:"processingStatus" gorm:"column:processing_status;type:varchar(32);not null;default:PENDING"`
	ProcessingProgress    int              `json:"processingProgress" gorm:"column:processing_progress;not null;default:0"`
	ProcessingStep        string           `json:"processingStep" gorm:"column:processing_step;type:varchar(64)"`
	ProcessingError       *string          `json:"processingError" gorm:"column:processing_error;type:text"`
	ProcessingStartedAt   *time.Time       `json:"processingStartedAt" gorm:"column:processing_started_at"`
	ProcessingCompletedAt *time.Time       `json:"processingCompletedAt" gorm:"column:processing_completed_at"`

	IsPublished bool       `json:"isPublished" gorm:"column:is_published;not null;default:false"`
	IsHlsReady  bool       `json:"isHlsReady" gorm:"column:is_hls_ready;not null;default:false"`
	IsDeleted   bool       `json:"isDeleted" gorm:"column:is_deleted;not null;default:false;index"`
	DeletedAt   *time.Time `json:"deletedAt" gorm:"column:deleted_at"`

	Views     int64     `json:"views" gorm:"column:views;not null;default:0"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

func (Video) TableName() string { return "videos" }

// VisibleTo reports whether viewerID may see the video. Owners always can.
func (v *Video) VisibleTo(viewerID string) bool {
	if viewerID != "" && viewerID == v.OwnerID {
		return true
	}
	return v.IsPublished && v.IsHlsReady && v.ProcessingStatus == StatusCompleted && !v.IsDeleted
}

// VideoAnalyticsSnapshot is appended once per successful processing run.
type VideoAnalyticsSnapshot struct {
	ID         string    `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	VideoID    string    `json:"videoId" gorm:"column:video_id;type:uuid;not null;index"`
	Views      int64     `json:"views" gorm:"column:views;not null;default:0"`
	Likes      int64     `json:"likes" gorm:"column:likes;not null;default:0"`
	Comments   int64     `json:"comments" gorm:"column:comments;not null;default:0"`
	CapturedAt time.Time `json:"capturedAt" gorm:"column:captured_at;not null"`
}

func (VideoAnalyticsSnapshot) TableName() string { return "video_analytics_snapshots" }

// ProcessingProgress is the record published on the per-video progress channel.
type ProcessingProgress struct {
	VideoID   string           `json:"videoId"`
	Status    ProcessingStatus `json:"status"`
	Progress  int              `json:"progress"`
	Step      string           `json:"step"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ProcessingStatusView is the read projection served by the status endpoint.
type ProcessingStatusView struct {
	ProcessingStatus      ProcessingStatus `json:"processingStatus"`
	ProcessingProgress    int              `json:"processingProgress"`
	ProcessingStep        string           `json:"processingStep"`
	ProcessingError       *string          `json:"processingError"`
	ProcessingStartedAt   *time.Time       `json:"processingStartedAt"`
	ProcessingCompletedAt *time.Time       `json:"processingCompletedAt"`
	IsHlsReady            bool             `json:"isHlsReady"`
	IsPublished           bool             `json:"isPublished"`
}

func (v *Video) StatusView() ProcessingStatusView {
	return ProcessingStatusView{
		ProcessingStatus:      v.ProcessingStatus,
		ProcessingProgress:    v.ProcessingProgress,
		ProcessingStep:        v.ProcessingStep,
		ProcessingError:       v.ProcessingError,
		ProcessingStartedAt:   v.ProcessingStartedAt,
		ProcessingCompletedAt: v.ProcessingCompletedAt,
		IsHlsReady:            v.IsHlsReady,
		IsPublished:           v.IsPublished,
	}
}

// StringList is stored as a JSON array column.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	return json.Unmarshal(raw, (*[]string)(s))
}
