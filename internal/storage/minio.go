package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"CloudVault/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioStore implements Store with a MinIO client.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore builds a Store from a MinIO client and bucket.
func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

// NewMinio connects to MinIO and creates the bucket when missing.
func NewMinio(ctx context.Context, cfg *config.Config, log *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(fmt.Sprintf("%s:%s", cfg.MinioHost, cfg.MinioPort), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioUsername, cfg.MinioPassword, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists { // 不需要人工去 minio 建立 bucket
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	log.Info("init minio success", zap.String("bucket", cfg.BucketName))
	return NewMinioStore(client, cfg.BucketName), nil
}

// PutObject uploads an object to MinIO.
func (s *MinioStore) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
	})
	return err
}

// GetObject fetches an object and its metadata.
func (s *MinioStore) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioErr(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, mapMinioErr(err)
	}
	return obj, infoOf(stat), nil
}

// StatObject reads object metadata without the body.
func (s *MinioStore) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioErr(err)
	}
	return infoOf(stat), nil
}

// RemoveObject deletes an object from MinIO.
func (s *MinioStore) RemoveObject(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// PresignedGetObject returns a presigned URL for downloading an object.
func (s *MinioStore) PresignedGetObject(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	values := url.Values{}
	if filename != "" {
		values.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, values)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func infoOf(stat minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{Key: stat.Key, Size: stat.Size, ContentType: stat.ContentType}
}

func mapMinioErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
