package repository

import (
	"context"
	"time"

	"lexdesk/attachments/internal/domain"
)

// Error constants for repository layer
var (
	ErrNotFound         = RepositoryError("not found")
	ErrDuplicateKey     = RepositoryError("duplicate storage key")
	ErrConcurrentUpdate = RepositoryError("record changed concurrently")
)

// RepositoryError helps distinguish repository errors
type RepositoryError string

func (e RepositoryError) Error() string {
	return string(e)
}

// Default and maximum page sizes for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows a List query. Zero values mean "no constraint".
// Owner and Owners are mutually exclusive; Owners is the tenant fan-out form.
type ListFilter struct {
	Owner            *domain.OwnerRef
	Owners           []domain.OwnerRef
	Category         string
	UploadedBy       string
	CreatedBySystem  *bool // true: system only, false: user uploads only
	CreatedFrom      *time.Time
	CreatedTo        *time.Time
	FilenameContains string // case-insensitive substring
	Limit            int
	Offset           int
}

// NormalizedLimit clamps Limit into [1, MaxListLimit].
func (f ListFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// AttachmentRepository defines the interface for interacting with attachment metadata.
type AttachmentRepository interface {
	// Create assigns ID/timestamps and inserts the record.
	// A storage key that is already taken yields ErrDuplicateKey.
	Create(ctx context.Context, a *domain.Attachment) error
	GetByID(ctx context.Context, id string) (*domain.Attachment, error)
	GetByStorageKey(ctx context.Context, key string) (*domain.Attachment, error)
	// FindByChecksum returns the oldest record of owner with the given checksum.
	FindByChecksum(ctx context.Context, owner domain.OwnerRef, checksum string) (*domain.Attachment, error)
	// List returns one page of matches (newest first) and the total match count.
	List(ctx context.Context, filter ListFilter) ([]domain.Attachment, int64, error)
	// Update persists the editable fields of an existing record.
	Update(ctx context.Context, a *domain.Attachment) error
	// UpdateLocked loads the record under an exclusive per-record lock, lets
	// mutate change it and persists the result. A mutate error aborts the update.
	UpdateLocked(ctx context.Context, id string, mutate func(a *domain.Attachment) error) (*domain.Attachment, error)
	Delete(ctx context.Context, id string) error
	// ListExpired returns records whose ExpiresAt is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Attachment, error)
}

// TxManager runs fn inside one atomic transaction. Repositories called with
// the ctx passed to fn take part in that transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OwnerDirectory resolves owning entities to the tenant they belong to.
type OwnerDirectory interface {
	Resolve(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error)
	// OwnerIDs lists the IDs of every owner of kind belonging to team.
	OwnerIDs(ctx context.Context, teamID int64, kind domain.OwnerKind) ([]int64, error)
	Upsert(ctx context.Context, owner domain.Owner) error
}

// AuditRepository stores audit entries for business operations.
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
}
