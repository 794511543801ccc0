package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"

	s3client "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/pkg/client/s3"
)

// ArtifactRepo stores pipeline artifacts (final videos, uploaded photos) in
// object storage and hands out presigned download URLs.
type ArtifactRepo struct {
	storage *s3client.StorageS3
}

func NewArtifactRepo(storage *s3client.StorageS3) *ArtifactRepo {
	return &ArtifactRepo{storage: storage}
}

func (r *ArtifactRepo) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if r.storage == nil || r.storage.Client == nil {
		return fmt.Errorf("s3 client not initialized")
	}
	_, err := r.storage.Client.PutObject(
		ctx,
		r.storage.Bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}

// UploadFile streams a local file into the bucket under key.
func (r *ArtifactRepo) UploadFile(ctx context.Context, key, path, contentType string) error {
	if r.storage == nil || r.storage.Client == nil {
		return fmt.Errorf("s3 client not initialized")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("artifact %s: %w", filepath.Base(path), err)
	}
	_, err := r.storage.Client.FPutObject(
		ctx,
		r.storage.Bucket,
		key,
		path,
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}

func (r *ArtifactRepo) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if r.storage == nil || r.storage.Client == nil {
		return "", fmt.Errorf("s3 client not initialized")
	}
	presigned, err := r.storage.Client.PresignedGetObject(ctx, r.storage.Bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigned get object %s: %w", key, err)
	}
	return presigned.String(), nil
}
