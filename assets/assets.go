// Package assets talks to the object store that holds uploaded media.
package assets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/devrayat000/vidpipe/apperr"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

var (
	ErrNotFound       = fmt.Errorf("asset %w", apperr.ErrNotFound)
	ErrFolderMismatch = &apperr.Error{Kind: apperr.ErrForbidden, Message: "asset does not belong to the expected folder"}
)

type Resource struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Kind      Kind   `json:"resource_type"`
}

// Inspector looks up a single asset by public ID.
// Implementations must return ErrNotFound when the ID does not resolve for kind.
type Inspector interface {
	Inspect(ctx context.Context, publicID string, kind Kind) (*Resource, error)
}

type Store interface {
	Inspector
	Destroy(ctx context.Context, publicID string, kind Kind) error
	SecureURL(publicID string, kind Kind) string
}

// UserFolder returns the per-user folder for purpose, e.g. videos/{userID}.
func UserFolder(purpose, userID string) string {
	return purpose + "/" + userID
}

// FolderOf returns every path segment of publicID before the last one.
func FolderOf(publicID string) string {
	i := strings.LastIndex(publicID, "/")
	if i < 0 {
		return ""
	}
	return publicID[:i]
}

// VerifyOwnership resolves publicID against the store, trying each kind in
// order, and checks the resolved asset sits directly in expectedFolder.
func VerifyOwnership(ctx context.Context, inspector Inspector, publicID, expectedFolder string, kinds ...Kind) (*Resource, error) {
	if strings.TrimSpace(publicID) == "" {
		return nil, apperr.Validation("asset public id is required")
	}
	if len(kinds) == 0 {
		kinds = []Kind{KindImage, KindVideo}
	}

	for _, kind := range kinds {
		res, err := inspector.Inspect(ctx, publicID, kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if errors.Is(err, apperr.ErrUpstream) {
				return nil, err
			}
			return nil, apperr.Upstream("asset store request failed", err)
		}
		if FolderOf(res.PublicID) != strings.Trim(expectedFolder, "/") {
			return nil, ErrFolderMismatch
		}
		return res, nil
	}
	return nil, ErrNotFound
}

// UploadMarker separates the delivery prefix from the asset path in a
// secure URL. Transformations are spliced in right after it.
const UploadMarker = "/upload/"

// InsertTransformation splices segment after the upload marker of rawURL.
// URLs without the marker are returned unchanged.
func InsertTransformation(rawURL, segment string) string {
	i := strings.Index(rawURL, UploadMarker)
	if i < 0 || segment == "" {
		return rawURL
	}
	head := rawURL[:i+len(UploadMarker)]
	return head + strings.Trim(segment, "/") + "/" + rawURL[i+len(UploadMarker):]
}

// DeriveThumbnail returns the URL of a still frame captured offsetSeconds
// into the video at sourceURL.
func DeriveThumbnail(sourceURL string, offsetSeconds int) string {
	if !strings.Contains(sourceURL, UploadMarker) {
		return sourceURL
	}
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}
	u := InsertTransformation(sourceURL, fmt.Sprintf("so_%d", offsetSeconds))
	return strings.TrimSuffix(u, path.Ext(u)) + ".jpg"
}

// ThumbnailPublicID is the public ID recorded for a derived thumbnail.
func ThumbnailPublicID(videoPublicID string, offsetSeconds int) string {
	return fmt.Sprintf("%s/so_%d", videoPublicID, offsetSeconds)
}

// IsDerivedThumbnail reports whether thumbnailPublicID was produced by
// ThumbnailPublicID for videoPublicID rather than uploaded.
func IsDerivedThumbnail(thumbnailPublicID, videoPublicID string) bool {
	return videoPublicID != "" && strings.HasPrefix(thumbnailPublicID, videoPublicID+"/so_")
}
