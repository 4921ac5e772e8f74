package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsCfg "github.com/aws/aws-sdk-go-v2/config" // Alias config to avoid clash
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/config"
)

// s3Storage implements the ObjectStore interface using an S3-compatible backend.
type s3Storage struct {
	client        *s3.Client        // Regular client for object operations
	presignClient *s3.PresignClient // Special client for generating presigned URLs
	bucketName    string
	timeout       time.Duration
	log           *zap.Logger
}

// NewS3Storage creates a new S3 storage service instance.
func NewS3Storage(cfg config.StorageConfig, log *zap.Logger) (ObjectStore, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	awsSDKConfig, err := awsCfg.LoadDefaultConfig(context.Background(),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load sdk config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)

	// Force path-style addressing required by most S3-compatible services (like MinIO)
	s3Client := s3.NewFromConfig(awsSDKConfig, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	log.Info("S3 storage initialized",
		zap.String("endpoint", endpoint),
		zap.String("bucket", cfg.BucketName),
	)

	return &s3Storage{
		client:        s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		bucketName:    cfg.BucketName,
		timeout:       cfg.Timeout,
		log:           log,
	}, nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// PutObject uploads body under key. The write is conditional on the key being
// absent, so a concurrent writer cannot replace bytes another record relies on.
func (s *s3Storage) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	// Not every S3-compatible service honours If-None-Match, so check first.
	if err := s.ensureAbsent(ctx, key); err != nil {
		return err
	}

	// The SDK signs the payload, which needs a seekable body over plain HTTP.
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		buf, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("s3: buffer body for %q: %w", key, err)
		}
		seeker = bytes.NewReader(buf)
		size = int64(len(buf))
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        seeker,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
		IfNoneMatch: aws.String("*"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isS3PreconditionFailed(err) {
			return fmt.Errorf("s3: put object %q: %w", key, ErrObjectExists)
		}
		s.log.Error("S3 put failed", zap.String("key", key), zap.Error(err))
		return wrapS3Error(err, "put object", key)
	}
	return nil
}

// GetObject starts a streaming download. Only the wait for the response is
// bounded by the operation timeout; large bodies stream for as long as ctx lives.
func (s *s3Storage) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	ctx, stop, cancel := withResponseTimeout(ctx, s.timeout)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		return nil, nil, wrapS3Error(err, "get object", key)
	}
	if !stop() {
		_ = out.Body.Close()
		cancel()
		return nil, nil, wrapS3Error(context.DeadlineExceeded, "get object", key)
	}
	info := &ObjectInfo{
		Key:          key,
		ContentType:  aws.ToString(out.ContentType),
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}
	return &cancelOnClose{ReadCloser: out.Body, cancel: cancel}, info, nil
}

// DeleteObject removes an object from the S3 bucket.
func (s *s3Storage) DeleteObject(ctx context.Context, objectKey string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil && !isS3NotFound(err) {
		s.log.Error("S3 delete failed", zap.String("key", objectKey), zap.Error(err))
		return wrapS3Error(err, "delete object", objectKey)
	}

	s.log.Debug("S3 object deleted", zap.String("key", objectKey))
	return nil
}

// CopyObject copies srcKey to dstKey server side, refusing to replace an
// existing destination.
func (s *s3Storage) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureAbsent(ctx, dstKey); err != nil {
		return err
	}

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(dstKey),
		CopySource:  aws.String(s.bucketName + "/" + escapeKey(srcKey)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isS3PreconditionFailed(err) {
			return fmt.Errorf("s3: copy object to %q: %w", dstKey, ErrObjectExists)
		}
		s.log.Error("S3 copy failed", zap.String("src", srcKey), zap.String("dst", dstKey), zap.Error(err))
		return wrapS3Error(err, "copy object", srcKey)
	}
	return nil
}

// ensureAbsent fails with ErrObjectExists when key is already stored.
func (s *s3Storage) ensureAbsent(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		return fmt.Errorf("s3: %q: %w", key, ErrObjectExists)
	case isS3NotFound(err):
		return nil
	default:
		return wrapS3Error(err, "head object", key)
	}
}

// HeadObject returns the object's metadata without its body.
func (s *s3Storage) HeadObject(ctx context.Context, objectKey string) (*ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, wrapS3Error(err, "head object", objectKey)
	}
	return &ObjectInfo{
		Key:          objectKey,
		ContentType:  aws.ToString(out.ContentType),
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// PresignDownload creates a temporary URL for downloading (GET).
// The object must exist; a missing key yields ErrObjectNotFound.
func (s *s3Storage) PresignDownload(ctx context.Context, objectKey string, opts PresignOptions) (string, error) {
	if _, err := s.HeadObject(ctx, objectKey); err != nil {
		return "", err
	}

	presignParams := &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucketName),
		Key:                        aws.String(objectKey),
		ResponseContentDisposition: aws.String(ContentDisposition(opts)),
	}

	req, err := s.presignClient.PresignGetObject(ctx, presignParams, s3.WithPresignExpires(expiryOrDefault(opts.ExpiresIn)))
	if err != nil {
		s.log.Error("Failed to generate presigned GET URL", zap.String("key", objectKey), zap.Error(err))
		return "", wrapS3Error(err, "presign get", objectKey)
	}
	return req.URL, nil
}

// PresignUpload creates a temporary URL for uploading (PUT).
func (s *s3Storage) PresignUpload(ctx context.Context, objectKey string, contentType string, expires time.Duration) (string, error) {
	presignParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType), // Client MUST set this header on upload
	}

	req, err := s.presignClient.PresignPutObject(ctx, presignParams, s3.WithPresignExpires(expiryOrDefault(expires)))
	if err != nil {
		s.log.Error("Failed to generate presigned PUT URL", zap.String("key", objectKey), zap.Error(err))
		return "", wrapS3Error(err, "presign put", objectKey)
	}
	return req.URL, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func wrapS3Error(err error, op, key string) error {
	if isS3NotFound(err) {
		return fmt.Errorf("s3: %s %q: %w", op, key, ErrObjectNotFound)
	}
	return fmt.Errorf("s3: %s %q: %w: %w", op, key, ErrBackendUnavailable, err)
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// isS3PreconditionFailed reports a rejected conditional write. S3 answers 412,
// or 409 when a concurrent conditional write to the same key is in flight.
func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusPreconditionFailed
	}
	return false
}
