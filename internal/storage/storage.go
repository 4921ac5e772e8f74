package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"time"
)

// Default expiry duration for presigned URLs
const DefaultPresignedURLExpiry = 15 * time.Minute

// Default per-call timeout for backend operations
const DefaultOperationTimeout = 30 * time.Second

var (
	// ErrObjectNotFound is returned when the key does not exist in the bucket.
	ErrObjectNotFound = errors.New("object not found in storage")
	// ErrObjectExists is returned by PutObject and CopyObject when the
	// destination key is already taken. Objects are never overwritten.
	ErrObjectExists = errors.New("object already exists in storage")
	// ErrBackendUnavailable wraps every other backend failure (network, timeout, permissions).
	ErrBackendUnavailable = errors.New("object storage unavailable")
)

// Disposition selects how a presigned download URL is served to the browser.
type Disposition string

const (
	DispositionView     Disposition = "view"
	DispositionDownload Disposition = "download"
)

// ParseDisposition defaults to view for anything other than "download".
func ParseDisposition(s string) Disposition {
	if Disposition(s) == DispositionDownload {
		return DispositionDownload
	}
	return DispositionView
}

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key          string
	ContentType  string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// PresignOptions configures a presigned GET URL.
type PresignOptions struct {
	Disposition Disposition
	Filename    string // Sent back in Content-Disposition for downloads
	ExpiresIn   time.Duration
}

// ObjectStore defines the interface for object storage operations.
// Implementations never retry internally; retry policy belongs to callers.
type ObjectStore interface {
	// PutObject stores body under a key that must not exist yet. An occupied
	// key fails with ErrObjectExists and leaves the existing object untouched.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error

	// GetObject opens the object for streaming. The caller closes the reader.
	// The operation timeout covers the wait for the response, not the body.
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// DeleteObject removes an object. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject performs a server-side copy within the bucket. Like PutObject
	// it fails with ErrObjectExists when dstKey is taken.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// HeadObject returns object metadata or ErrObjectNotFound.
	HeadObject(ctx context.Context, objectKey string) (*ObjectInfo, error)

	// PresignDownload creates a temporary URL for viewing or downloading (GET).
	PresignDownload(ctx context.Context, objectKey string, opts PresignOptions) (string, error)

	// PresignUpload creates a temporary URL that allows a client to PUT the object directly.
	PresignUpload(ctx context.Context, objectKey string, contentType string, expires time.Duration) (string, error)
}

// ContentDisposition renders the response header value for a presigned GET.
func ContentDisposition(opts PresignOptions) string {
	kind := "inline"
	if opts.Disposition == DispositionDownload {
		kind = "attachment"
	}
	if opts.Filename == "" {
		return kind
	}
	if v := mime.FormatMediaType(kind, map[string]string{"filename": opts.Filename}); v != "" {
		return v
	}
	return kind
}

func expiryOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPresignedURLExpiry
	}
	return d
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// withResponseTimeout bounds only the wait for a response. Calling stop once
// the response has arrived disarms the timer, after which the body streams
// under the parent context until cancel. stop reports false when the timer
// already fired.
func withResponseTimeout(ctx context.Context, timeout time.Duration) (context.Context, func() bool, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)
	return ctx, timer.Stop, cancel
}

// Download reads the whole object into memory. Prefer GetObject for large files.
func Download(ctx context.Context, store ObjectStore, key string) ([]byte, error) {
	rc, _, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
