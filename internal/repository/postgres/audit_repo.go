package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
)

type auditRepo struct {
	db *DB
}

// Audit returns the audit log repository.
func (db *DB) Audit() repository.AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.conn(ctx).Exec(ctx, `
		INSERT INTO attachment_audit_log (id, action, attachment_id, actor_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Action, e.AttachmentID, e.ActorID, jsonMap(e.Details), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
