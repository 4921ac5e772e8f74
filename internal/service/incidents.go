package service

import (
	"context"

	"go.uber.org/zap"
)

// IncidentKind classifies a non-fatal failure.
type IncidentKind string

const (
	// IncidentOrphanObject: a compensating delete failed, the object has no metadata.
	IncidentOrphanObject IncidentKind = "orphan_object"
	// IncidentStaleObject: the old object of a move could not be removed.
	IncidentStaleObject IncidentKind = "stale_object"
	// IncidentDanglingMetadata: the object is gone but its metadata survived.
	IncidentDanglingMetadata IncidentKind = "dangling_metadata"
	// IncidentKeyCollision: a concurrent writer committed metadata for the same key first.
	IncidentKeyCollision IncidentKind = "key_collision"
	IncidentAuditFailed  IncidentKind = "audit_failed"
	IncidentURLFailed    IncidentKind = "url_failed"
	IncidentPurgeFailed  IncidentKind = "purge_failed"
)

// Incident describes a failure on a best-effort path. It never changes the
// outcome of the operation that produced it.
type Incident struct {
	Kind         IncidentKind
	Op           string
	AttachmentID string
	StorageKey   string
	Err          error
}

// IncidentRecorder receives non-fatal failures.
type IncidentRecorder interface {
	Record(ctx context.Context, incident Incident)
}

type logIncidents struct {
	log *zap.Logger
}

// NewLogIncidentRecorder writes incidents as warnings.
func NewLogIncidentRecorder(log *zap.Logger) IncidentRecorder {
	return &logIncidents{log: log}
}

func (l *logIncidents) Record(_ context.Context, in Incident) {
	l.log.Warn("Non-fatal storage incident",
		zap.String("incident", string(in.Kind)),
		zap.String("op", in.Op),
		zap.String("attachment_id", in.AttachmentID),
		zap.String("storage_key", in.StorageKey),
		zap.Error(in.Err),
	)
}
