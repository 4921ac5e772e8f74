package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/config"
)

// minioStorage implements ObjectStore with the MinIO client for self-hosted deployments.
type minioStorage struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
	log     *zap.Logger
}

// NewMinioStorage connects to a MinIO (or other S3-compatible) endpoint and
// creates the bucket when it does not exist yet.
func NewMinioStorage(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (ObjectStore, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("minio: bucket name is required")
	}
	endpoint := cfg.Endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: init client: %w", err)
	}

	s := &minioStorage{client: client, bucket: cfg.BucketName, timeout: cfg.Timeout, log: log}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	log.Info("MinIO storage initialized", zap.String("endpoint", endpoint), zap.String("bucket", cfg.BucketName))
	return s, nil
}

func (s *minioStorage) ensureBucket(ctx context.Context, region string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio: check bucket %q: %w: %w", s.bucket, ErrBackendUnavailable, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("minio: create bucket %q: %w", s.bucket, err)
	}
	s.log.Info("Bucket created", zap.String("bucket", s.bucket))
	return nil
}

// PutObject uploads body unless key is already taken.
func (s *minioStorage) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureAbsent(ctx, key); err != nil {
		return err
	}

	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	}
	// Lets the server reject the write if another writer got there after the stat.
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, opts)
	if err != nil {
		if isMinioPreconditionFailed(err) {
			return fmt.Errorf("minio: put object %q: %w", key, ErrObjectExists)
		}
		s.log.Error("MinIO put failed", zap.String("key", key), zap.Error(err))
		return wrapMinioError(err, "put object", key)
	}
	return nil
}

// GetObject streams the object. The operation timeout only covers the first
// response; reading the body is bounded by ctx alone.
func (s *minioStorage) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	ctx, stop, cancel := withResponseTimeout(ctx, s.timeout)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, nil, wrapMinioError(err, "get object", key)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		cancel()
		return nil, nil, wrapMinioError(err, "get object", key)
	}
	if !stop() {
		_ = obj.Close()
		cancel()
		return nil, nil, wrapMinioError(context.DeadlineExceeded, "get object", key)
	}
	return &cancelOnClose{ReadCloser: obj, cancel: cancel}, minioInfo(stat), nil
}

func (s *minioStorage) DeleteObject(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		s.log.Error("MinIO delete failed", zap.String("key", key), zap.Error(err))
		return wrapMinioError(err, "delete object", key)
	}
	return nil
}

// CopyObject copies server side. CopyDestOptions carries no precondition, so
// the destination is checked with a stat first.
func (s *minioStorage) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureAbsent(ctx, dstKey); err != nil {
		return err
	}

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey},
	)
	if err != nil {
		s.log.Error("MinIO copy failed", zap.String("src", srcKey), zap.String("dst", dstKey), zap.Error(err))
		return wrapMinioError(err, "copy object", srcKey)
	}
	return nil
}

// ensureAbsent fails with ErrObjectExists when key is already stored.
func (s *minioStorage) ensureAbsent(ctx context.Context, key string) error {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return fmt.Errorf("minio: %q: %w", key, ErrObjectExists)
	case isMinioNotFound(err):
		return nil
	default:
		return wrapMinioError(err, "stat object", key)
	}
}

func (s *minioStorage) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, wrapMinioError(err, "stat object", key)
	}
	return minioInfo(stat), nil
}

func (s *minioStorage) PresignDownload(ctx context.Context, key string, opts PresignOptions) (string, error) {
	if _, err := s.HeadObject(ctx, key); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("response-content-disposition", ContentDisposition(opts))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiryOrDefault(opts.ExpiresIn), params)
	if err != nil {
		return "", wrapMinioError(err, "presign get", key)
	}
	return u.String(), nil
}

// PresignUpload ignores contentType: MinIO presigned PUTs do not sign the header.
func (s *minioStorage) PresignUpload(ctx context.Context, key string, _ string, expires time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, expiryOrDefault(expires))
	if err != nil {
		return "", wrapMinioError(err, "presign put", key)
	}
	return u.String(), nil
}

func minioInfo(stat minio.ObjectInfo) *ObjectInfo {
	return &ObjectInfo{
		Key:          stat.Key,
		ContentType:  stat.ContentType,
		Size:         stat.Size,
		ETag:         strings.Trim(stat.ETag, `"`),
		LastModified: stat.LastModified,
		Metadata:     stat.UserMetadata,
	}
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket"
}

func isMinioPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return resp.StatusCode == http.StatusConflict && resp.Code == "ConditionalRequestConflict"
}

func wrapMinioError(err error, op, key string) error {
	if isMinioNotFound(err) {
		return fmt.Errorf("minio: %s %q: %w", op, key, ErrObjectNotFound)
	}
	return fmt.Errorf("minio: %s %q: %w: %w", op, key, ErrBackendUnavailable, err)
}
