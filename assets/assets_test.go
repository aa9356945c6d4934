package assets

import (
	"context"
	"errors"
	"testing"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInspector struct {
	resources map[Kind]*Resource
	errs      map[Kind]error
	calls     []Kind
}

func (s *stubInspector) Inspect(_ context.Context, publicID string, kind Kind) (*Resource, error) {
	s.calls = append(s.calls, kind)
	if err := s.errs[kind]; err != nil {
		return nil, err
	}
	if r, ok := s.resources[kind]; ok && r.PublicID == publicID {
		return r, nil
	}
	return nil, ErrNotFound
}

func TestVerifyOwnership_FallsThroughNotFound(t *testing.T) {
	insp := &stubInspector{resources: map[Kind]*Resource{
		KindVideo: {PublicID: "videos/u1/clip", SecureURL: "https://cdn/video/upload/videos/u1/clip", Kind: KindVideo},
	}}

	res, err := VerifyOwnership(context.Background(), insp, "videos/u1/clip", "videos/u1")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, res.Kind)
	assert.Equal(t, []Kind{KindImage, KindVideo}, insp.calls)
}

func TestVerifyOwnership_FolderMismatch(t *testing.T) {
	insp := &stubInspector{resources: map[Kind]*Resource{
		KindImage: {PublicID: "avatars/u2/me", Kind: KindImage},
	}}

	_, err := VerifyOwnership(context.Background(), insp, "avatars/u2/me", "avatars/u1", KindImage)
	require.ErrorIs(t, err, ErrFolderMismatch)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestVerifyOwnership_NestedFolderIsNotAMatch(t *testing.T) {
	insp := &stubInspector{resources: map[Kind]*Resource{
		KindImage: {PublicID: "avatars/u1/sub/me", Kind: KindImage},
	}}

	_, err := VerifyOwnership(context.Background(), insp, "avatars/u1/sub/me", "avatars/u1", KindImage)
	require.ErrorIs(t, err, ErrFolderMismatch)
}

func TestVerifyOwnership_NotFound(t *testing.T) {
	_, err := VerifyOwnership(context.Background(), &stubInspector{}, "videos/u1/missing", "videos/u1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifyOwnership_UpstreamErrorIsFatal(t *testing.T) {
	insp := &stubInspector{
		errs: map[Kind]error{KindImage: errors.New("429 rate limited")},
		resources: map[Kind]*Resource{
			KindVideo: {PublicID: "videos/u1/clip", Kind: KindVideo},
		},
	}

	_, err := VerifyOwnership(context.Background(), insp, "videos/u1/clip", "videos/u1")
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, []Kind{KindImage}, insp.calls)
}

func TestVerifyOwnership_EmptyID(t *testing.T) {
	_, err := VerifyOwnership(context.Background(), &stubInspector{}, " ", "videos/u1")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestFolderOf(t *testing.T) {
	assert.Equal(t, "videos/u1", FolderOf("videos/u1/clip"))
	assert.Equal(t, "", FolderOf("clip"))
}

func TestInsertTransformation(t *testing.T) {
	src := "https://cdn.example.com/demo/video/upload/v123/videos/u1/clip.mp4"
	assert.Equal(t,
		"https://cdn.example.com/demo/video/upload/q_auto,f_mp4/v123/videos/u1/clip.mp4",
		InsertTransformation(src, "q_auto,f_mp4"))
	assert.Equal(t, "https://other.example.com/clip.mp4", InsertTransformation("https://other.example.com/clip.mp4", "q_auto"))
}

func TestDeriveThumbnail(t *testing.T) {
	src := "https://cdn.example.com/video/upload/videos/u1/clip.mp4"
	assert.Equal(t, "https://cdn.example.com/video/upload/so_2/videos/u1/clip.jpg", DeriveThumbnail(src, 2))
	assert.Equal(t, "https://cdn.example.com/video/upload/so_0/videos/u1/raw.jpg",
		DeriveThumbnail("https://cdn.example.com/video/upload/videos/u1/raw", -5))
	assert.Equal(t, "https://x/clip.mp4", DeriveThumbnail("https://x/clip.mp4", 2))
}

func TestIsDerivedThumbnail(t *testing.T) {
	assert.True(t, IsDerivedThumbnail(ThumbnailPublicID("videos/u1/clip", 2), "videos/u1/clip"))
	assert.False(t, IsDerivedThumbnail("thumbnails/u1/cover", "videos/u1/clip"))
	assert.False(t, IsDerivedThumbnail("/so_2", ""))
}
