package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
	modified    time.Time
}

// MemoryStorage is an in-process ObjectStore used by the memory driver and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
}

// NewMemoryStorage returns an empty in-memory bucket.
func NewMemoryStorage(bucket string) *MemoryStorage {
	if bucket == "" {
		bucket = "memory"
	}
	return &MemoryStorage{bucket: bucket, objects: make(map[string]memoryObject)}
}

func (m *MemoryStorage) PutObject(ctx context.Context, key string, body io.Reader, _ int64, contentType string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: put %q: %w: %w", key, ErrBackendUnavailable, err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("memory: read body for %q: %w", key, err)
	}
	sum := md5.Sum(data)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.objects[key]; taken {
		return fmt.Errorf("memory: put %q: %w", key, ErrObjectExists)
	}
	m.objects[key] = memoryObject{
		data:        data,
		contentType: contentType,
		metadata:    meta,
		etag:        hex.EncodeToString(sum[:]),
		modified:    time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStorage) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("memory: get %q: %w", key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info(key), nil
}

func (m *MemoryStorage) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return fmt.Errorf("memory: copy %q: %w", srcKey, ErrObjectNotFound)
	}
	if _, taken := m.objects[dstKey]; taken {
		return fmt.Errorf("memory: copy to %q: %w", dstKey, ErrObjectExists)
	}
	cp := obj
	cp.data = append([]byte(nil), obj.data...)
	cp.modified = time.Now().UTC()
	m.objects[dstKey] = cp
	return nil
}

func (m *MemoryStorage) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("memory: head %q: %w", key, ErrObjectNotFound)
	}
	return obj.info(key), nil
}

func (m *MemoryStorage) PresignDownload(ctx context.Context, key string, opts PresignOptions) (string, error) {
	if _, err := m.HeadObject(ctx, key); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("response-content-disposition", ContentDisposition(opts))
	q.Set("expires", expiryOrDefault(opts.ExpiresIn).String())
	return m.url(key, q), nil
}

func (m *MemoryStorage) PresignUpload(ctx context.Context, key string, contentType string, expires time.Duration) (string, error) {
	q := url.Values{}
	q.Set("content-type", contentType)
	q.Set("expires", expiryOrDefault(expires).String())
	return m.url(key, q), nil
}

// Keys lists stored keys in lexical order.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key exists.
func (m *MemoryStorage) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

func (m *MemoryStorage) url(key string, q url.Values) string {
	return fmt.Sprintf("memory://%s/%s?%s", m.bucket, strings.TrimPrefix(key, "/"), q.Encode())
}

func (o memoryObject) info(key string) *ObjectInfo {
	meta := make(map[string]string, len(o.metadata))
	for k, v := range o.metadata {
		meta[k] = v
	}
	return &ObjectInfo{
		Key:          key,
		ContentType:  o.contentType,
		Size:         int64(len(o.data)),
		ETag:         o.etag,
		LastModified: o.modified,
		Metadata:     meta,
	}
}
