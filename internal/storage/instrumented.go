package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by instrumented stores.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the object store collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachments_object_store_operations_total",
				Help: "Object store operations by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attachments_object_store_operation_duration_seconds",
				Help:    "Object store operation latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.duration)
	}
	return m
}

type instrumentedStore struct {
	next    ObjectStore
	metrics *Metrics
}

// Instrument wraps store so every call is counted and timed.
func Instrument(store ObjectStore, metrics *Metrics) ObjectStore {
	return &instrumentedStore{next: store, metrics: metrics}
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrObjectNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrObjectExists):
		outcome = "exists"
	default:
		outcome = "error"
	}
	s.metrics.ops.WithLabelValues(op, outcome).Inc()
	s.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (err error) {
	defer func(start time.Time) { s.observe("put", start, err) }(time.Now())
	return s.next.PutObject(ctx, key, body, size, contentType, metadata)
}

func (s *instrumentedStore) GetObject(ctx context.Context, key string) (rc io.ReadCloser, info *ObjectInfo, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	return s.next.GetObject(ctx, key)
}

func (s *instrumentedStore) DeleteObject(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())
	return s.next.DeleteObject(ctx, key)
}

func (s *instrumentedStore) CopyObject(ctx context.Context, srcKey, dstKey string) (err error) {
	defer func(start time.Time) { s.observe("copy", start, err) }(time.Now())
	return s.next.CopyObject(ctx, srcKey, dstKey)
}

func (s *instrumentedStore) HeadObject(ctx context.Context, key string) (info *ObjectInfo, err error) {
	defer func(start time.Time) { s.observe("head", start, err) }(time.Now())
	return s.next.HeadObject(ctx, key)
}

func (s *instrumentedStore) PresignDownload(ctx context.Context, key string, opts PresignOptions) (u string, err error) {
	defer func(start time.Time) { s.observe("presign_get", start, err) }(time.Now())
	return s.next.PresignDownload(ctx, key, opts)
}

func (s *instrumentedStore) PresignUpload(ctx context.Context, key string, contentType string, expires time.Duration) (u string, err error) {
	defer func(start time.Time) { s.observe("presign_put", start, err) }(time.Now())
	return s.next.PresignUpload(ctx, key, contentType, expires)
}
