package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/desnarong/thepixstock-api/internal/config"
	"github.com/desnarong/thepixstock-api/internal/models"
)

// MinIOStore serves event photos from object storage. Photos live under
// events/<event_id>/<photo_id>; uploads happen out of band, this service
// only reads.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func photoKey(eventID uuid.UUID, photoID string) string {
	return fmt.Sprintf("events/%s/%s", eventID, photoID)
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// StatPhoto verifies a photo exists before a job referencing it is
// accepted. A missing object maps to ErrInvalidPhotoReference so the API
// can reject the submission outright.
func (s *MinIOStore) StatPhoto(ctx context.Context, eventID uuid.UUID, photoID string) error {
	_, err := s.client.StatObject(ctx, s.bucket, photoKey(eventID, photoID), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", models.ErrInvalidPhotoReference, photoID)
		}
		return fmt.Errorf("stat photo %s: %w", photoID, err)
	}
	return nil
}

// GetPhoto fetches photo bytes for the pipeline. An object that vanished
// after enqueue maps to ErrObjectNotFound, which the orchestrator treats
// as a permanent input failure.
func (s *MinIOStore) GetPhoto(ctx context.Context, eventID uuid.UUID, photoID string) ([]byte, error) {
	key := photoKey(eventID, photoID)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get photo %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("read photo %s: %w", key, err)
	}
	return data, nil
}

// Ping checks MinIO connectivity.
func (s *MinIOStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
	}
	return false
}
