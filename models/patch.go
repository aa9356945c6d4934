package models

import "time"

// VideoPatch is a partial update. Nil fields are left untouched.
type VideoPatch struct {
	ThumbnailURL          *string
	ThumbnailPublicID     *string
	PlaybackURL           *string
	MasterPlaylistURL     *string
	AvailableQualities    *StringList
	ProcessingStatus      *ProcessingStatus
	ProcessingProgress    *int
	ProcessingStep        *string
	ProcessingError       **string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	IsPublished           *bool
	IsHlsReady            *bool
	IsDeleted             *bool
	DeletedAt             **time.Time
}

// Columns returns the patch as a column map for partial row updates.
func (p VideoPatch) Columns() map[string]any {
	cols := map[string]any{}
	if p.ThumbnailURL != nil {
		cols["thumbnail_url"] = *p.ThumbnailURL
	}
	if p.ThumbnailPublicID != nil {
		cols["thumbnail_public_id"] = *p.ThumbnailPublicID
	}
	if p.PlaybackURL != nil {
		cols["playback_url"] = *p.PlaybackURL
	}
	if p.MasterPlaylistURL != nil {
		cols["master_playlist_url"] = *p.MasterPlaylistURL
	}
	if p.AvailableQualities != nil {
		cols["available_qualities"] = *p.AvailableQualities
	}
	if p.ProcessingStatus != nil {
		cols["processing_status"] = *p.ProcessingStatus
	}
	if p.ProcessingProgress != nil {
		cols["processing_progress"] = *p.ProcessingProgress
	}
	if p.ProcessingStep != nil {
		cols["processing_step"] = *p.ProcessingStep
	}
	if p.ProcessingError != nil {
		cols["processing_error"] = *p.ProcessingError
	}
	if p.ProcessingStartedAt != nil {
		cols["processing_started_at"] = *p.ProcessingStartedAt
	}
	if p.ProcessingCompletedAt != nil {
		cols["processing_completed_at"] = *p.ProcessingCompletedAt
	}
	if p.IsPublished != nil {
		cols["is_published"] = *p.IsPublished
	}
	if p.IsHlsReady != nil {
		cols["is_hls_ready"] = *p.IsHlsReady
	}
	if p.IsDeleted != nil {
		cols["is_deleted"] = *p.IsDeleted
	}
	if p.DeletedAt != nil {
		cols["deleted_at"] = *p.DeletedAt
	}
	return cols
}

// Apply writes the patch onto v in place.
func (p VideoPatch) Apply(v *Video) {
	if p.ThumbnailURL != nil {
		v.ThumbnailURL = *p.ThumbnailURL
	}
	if p.ThumbnailPublicID != nil {
		v.ThumbnailPublicID = *p.ThumbnailPublicID
	}
	if p.PlaybackURL != nil {
		v.PlaybackURL = *p.PlaybackURL
	}
	if p.MasterPlaylistURL != nil {
		v.MasterPlaylistURL = *p.MasterPlaylistURL
	}
	if p.AvailableQualities != nil {
		v.AvailableQualities = append(StringList(nil), (*p.AvailableQualities)...)
	}
	if p.ProcessingStatus != nil {
		v.ProcessingStatus = *p.ProcessingStatus
	}
	if p.ProcessingProgress != nil {
		v.ProcessingProgress = *p.ProcessingProgress
	}
	if p.ProcessingStep != nil {
		v.ProcessingStep = *p.ProcessingStep
	}
	if p.ProcessingError != nil {
		v.ProcessingError = *p.ProcessingError
	}
	if p.ProcessingStartedAt != nil {
		t := *p.ProcessingStartedAt
		v.ProcessingStartedAt = &t
	}
	if p.ProcessingCompletedAt != nil {
		t := *p.ProcessingCompletedAt
		v.ProcessingCompletedAt = &t
	}
	if p.IsPublished != nil {
		v.IsPublished = *p.IsPublished
	}
	if p.IsHlsReady != nil {
		v.IsHlsReady = *p.IsHlsReady
	}
	if p.IsDeleted != nil {
		v.IsDeleted = *p.IsDeleted
	}
	if p.DeletedAt != nil {
		v.DeletedAt = *p.DeletedAt
	}
}

func Ptr[T any](v T) *T {
	return &v
}
