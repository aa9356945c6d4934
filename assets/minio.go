package assets

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	Region      string
	ImageBucket string
	VideoBucket string
	// PublicBaseURL is the delivery host that fronts both buckets.
	PublicBaseURL string
}

type MinioStore struct {
	client  *minio.Client
	buckets map[Kind]string
	baseURL string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 128,
			IdleConnTimeout:     90 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{
		client: client,
		buckets: map[Kind]string{
			KindImage: cfg.ImageBucket,
			KindVideo: cfg.VideoBucket,
		},
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *MinioStore) bucket(kind Kind) (string, error) {
	b, ok := s.buckets[kind]
	if !ok || b == "" {
		return "", apperr.Validation(fmt.Sprintf("unsupported asset kind %q", kind))
	}
	return b, nil
}

func (s *MinioStore) Inspect(ctx context.Context, publicID string, kind Kind) (*Resource, error) {
	bucket, err := s.bucket(kind)
	if err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, bucket, publicID, minio.StatObjectOptions{})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return nil, ErrNotFound
		}
		return nil, apperr.Upstream("failed to inspect asset", err)
	}
	return &Resource{
		PublicID:  info.Key,
		SecureURL: s.SecureURL(info.Key, kind),
		Kind:      kind,
	}, nil
}

func (s *MinioStore) Destroy(ctx context.Context, publicID string, kind Kind) error {
	bucket, err := s.bucket(kind)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, publicID, minio.RemoveObjectOptions{}); err != nil {
		return apperr.Upstream("failed to destroy asset", err)
	}
	return nil
}

func (s *MinioStore) SecureURL(publicID string, kind Kind) string {
	return fmt.Sprintf("%s/%s/upload/%s", s.baseURL, kind, publicID)
}
