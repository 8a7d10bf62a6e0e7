// Package blob wraps MinIO/S3 interactions for original and derived assets.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dstanner/shutterbox/internal/config"
	"github.com/dstanner/shutterbox/internal/storage"
)

// Store addresses durable byte storage by key. Originals are written once by
// the ingestion coordinator; derived assets are written (and overwritten) only
// by the worker pool, under keys deterministic in the image id.
type Store struct {
	client          *minio.Client
	originalsBucket string
	derivedBucket   string
	region          string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{
		client:          client,
		originalsBucket: cfg.OriginalsBucket,
		derivedBucket:   cfg.DerivedBucket,
		region:          cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the originals/derived buckets exist before use.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.originalsBucket, s.derivedBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// PutOriginal streams an uploaded original into the originals bucket.
func (s *Store) PutOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.originalsBucket, key, r, size, opts); err != nil {
		return fmt.Errorf("put original %s: %w", key, err)
	}
	return nil
}

// GetOriginal fetches the raw original bytes.
func (s *Store) GetOriginal(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, s.originalsBucket, key)
}

// PutDerived writes a derived asset, overwriting any previous object under
// the same key.
func (s *Store) PutDerived(ctx context.Context, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	reader := bytes.NewReader(data)
	if _, err := s.client.PutObject(ctx, s.derivedBucket, key, reader, int64(len(data)), opts); err != nil {
		return fmt.Errorf("put derived %s: %w", key, err)
	}
	return nil
}

// GetDerived fetches a derived asset.
func (s *Store) GetDerived(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, s.derivedBucket, key)
}

func (s *Store) get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf, nil
}
