package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/devrayat000/vidpipe/apperr"
	"google.golang.org/api/option"
)

// GCSStore keeps every asset in one bucket under a {kind}/ prefix.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

func NewGCSStore(ctx context.Context, bucket, publicBaseURL string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = "https://storage.googleapis.com/" + bucket
	}
	return &GCSStore{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func objectKey(publicID string, kind Kind) string {
	return string(kind) + "/" + publicID
}

func (s *GCSStore) Inspect(ctx context.Context, publicID string, kind Kind) (*Resource, error) {
	_, err := s.client.Bucket(s.bucket).Object(objectKey(publicID, kind)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Upstream("failed to inspect asset", err)
	}
	return &Resource{PublicID: publicID, SecureURL: s.SecureURL(publicID, kind), Kind: kind}, nil
}

func (s *GCSStore) Destroy(ctx context.Context, publicID string, kind Kind) error {
	err := s.client.Bucket(s.bucket).Object(objectKey(publicID, kind)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return apperr.Upstream("failed to destroy asset", err)
	}
	return nil
}

func (s *GCSStore) SecureURL(publicID string, kind Kind) string {
	return fmt.Sprintf("%s/%s/upload/%s", s.baseURL, kind, publicID)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
