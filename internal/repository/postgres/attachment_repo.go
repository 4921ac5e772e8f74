package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
)

const attachmentColumns = `id, owner_type, owner_id, storage_key, filename, content_type, byte_size,
	checksum, created_by_system, category, description, custom_metadata, uploaded_by, uploaded_at,
	expires_at, transferred_at, transferred_by, transfer_metadata, version, created_at, updated_at`

type attachmentRepo struct {
	db *DB
}

// Attachments returns the PostgreSQL attachment repository.
func (db *DB) Attachments() repository.AttachmentRepository {
	return &attachmentRepo{db: db}
}

func (r *attachmentRepo) Create(ctx context.Context, a *domain.Attachment) error {
	a.ID = uuid.NewString()
	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO attachments (id, owner_type, owner_id, storage_key, filename, content_type, byte_size,
			checksum, created_by_system, category, description, custom_metadata, uploaded_by, uploaded_at,
			expires_at, transferred_at, transferred_by, transfer_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING version, created_at, updated_at`

	err := r.db.conn(ctx).QueryRow(ctx, query,
		a.ID, string(a.OwnerType), a.OwnerID, a.StorageKey, a.Filename, a.ContentType, a.ByteSize,
		a.Checksum, a.CreatedBySystem, a.Category, a.Description, jsonMap(a.CustomMetadata), a.UploadedBy, a.UploadedAt,
		a.ExpiresAt, a.TransferredAt, a.TransferredBy, jsonMap(a.TransferMetadata),
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		a.ID = ""
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", repository.ErrDuplicateKey, a.StorageKey)
		}
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (r *attachmentRepo) GetByID(ctx context.Context, id string) (*domain.Attachment, error) {
	return r.getOne(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id)
}

func (r *attachmentRepo) GetByStorageKey(ctx context.Context, key string) (*domain.Attachment, error) {
	return r.getOne(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE storage_key = $1`, key)
}

func (r *attachmentRepo) FindByChecksum(ctx context.Context, owner domain.OwnerRef, checksum string) (*domain.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments
		WHERE owner_type = $1 AND owner_id = $2 AND checksum = $3
		ORDER BY created_at ASC
		LIMIT 1`
	return r.getOne(ctx, query, string(owner.Kind), owner.ID, checksum)
}

func (r *attachmentRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Attachment, error) {
	a, err := scanAttachment(r.db.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

// buildWhere renders filter as a WHERE clause with positional arguments.
func buildWhere(f repository.ListFilter) (string, []any) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Owner != nil {
		conditions = append(conditions, fmt.Sprintf("owner_type = %s AND owner_id = %s",
			arg(string(f.Owner.Kind)), arg(f.Owner.ID)))
	} else if f.Owners != nil {
		kinds := make([]string, len(f.Owners))
		ids := make([]int64, len(f.Owners))
		for i, ref := range f.Owners {
			kinds[i] = string(ref.Kind)
			ids[i] = ref.ID
		}
		conditions = append(conditions, fmt.Sprintf(
			"(owner_type, owner_id) IN (SELECT * FROM unnest(%s::text[], %s::bigint[]))", arg(kinds), arg(ids)))
	}
	if f.Category != "" {
		conditions = append(conditions, "category = "+arg(f.Category))
	}
	if f.UploadedBy != "" {
		conditions = append(conditions, "uploaded_by = "+arg(f.UploadedBy))
	}
	if f.CreatedBySystem != nil {
		conditions = append(conditions, "created_by_system = "+arg(*f.CreatedBySystem))
	}
	if f.CreatedFrom != nil {
		conditions = append(conditions, "created_at >= "+arg(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		conditions = append(conditions, "created_at <= "+arg(*f.CreatedTo))
	}
	if f.FilenameContains != "" {
		conditions = append(conditions, fmt.Sprintf(`filename ILIKE '%%' || %s || '%%' ESCAPE '\'`,
			arg(escapeLike(f.FilenameContains))))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *attachmentRepo) List(ctx context.Context, filter repository.ListFilter) ([]domain.Attachment, int64, error) {
	if filter.Owner == nil && filter.Owners != nil && len(filter.Owners) == 0 {
		return []domain.Attachment{}, 0, nil
	}
	where, args := buildWhere(filter)
	conn := r.db.conn(ctx)

	var total int64
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM attachments `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attachments: %w", err)
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM attachments %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, attachmentColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.NormalizedLimit(), offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *attachmentRepo) Update(ctx context.Context, a *domain.Attachment) error {
	return r.update(ctx, r.db.conn(ctx), a)
}

func (r *attachmentRepo) update(ctx context.Context, conn DBTX, a *domain.Attachment) error {
	query := `
		UPDATE attachments SET
			owner_type = $2, owner_id = $3, storage_key = $4, filename = $5, content_type = $6,
			category = $7, description = $8, custom_metadata = $9, expires_at = $10,
			transferred_at = $11, transferred_by = $12, transfer_metadata = $13,
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version, created_at, updated_at`

	err := conn.QueryRow(ctx, query,
		a.ID, string(a.OwnerType), a.OwnerID, a.StorageKey, a.Filename, a.ContentType,
		a.Category, a.Description, jsonMap(a.CustomMetadata), a.ExpiresAt,
		a.TransferredAt, a.TransferredBy, jsonMap(a.TransferMetadata),
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", repository.ErrDuplicateKey, a.StorageKey)
		}
		return fmt.Errorf("update attachment: %w", err)
	}
	return nil
}

// UpdateLocked holds a row lock (SELECT ... FOR UPDATE) for the duration of
// the update. It joins the caller's transaction when there is one.
func (r *attachmentRepo) UpdateLocked(ctx context.Context, id string, mutate func(a *domain.Attachment) error) (*domain.Attachment, error) {
	var out *domain.Attachment
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		conn := r.db.conn(ctx)
		a, err := scanAttachment(conn.QueryRow(ctx,
			`SELECT `+attachmentColumns+` FROM attachments WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("lock attachment: %w", err)
		}
		if err := mutate(a); err != nil {
			return err
		}
		a.ID = id
		if err := r.update(ctx, conn, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.conn(ctx).Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Attachment, error) {
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	rows, err := r.db.conn(ctx).Query(ctx, `SELECT `+attachmentColumns+` FROM attachments
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired attachments: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAttachment(row pgx.Row) (*domain.Attachment, error) {
	var (
		a         domain.Attachment
		ownerType string
	)
	err := row.Scan(
		&a.ID, &ownerType, &a.OwnerID, &a.StorageKey, &a.Filename, &a.ContentType, &a.ByteSize,
		&a.Checksum, &a.CreatedBySystem, &a.Category, &a.Description, &a.CustomMetadata, &a.UploadedBy, &a.UploadedAt,
		&a.ExpiresAt, &a.TransferredAt, &a.TransferredBy, &a.TransferMetadata, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.OwnerType = domain.OwnerKind(ownerType)
	if len(a.CustomMetadata) == 0 {
		a.CustomMetadata = nil
	}
	if len(a.TransferMetadata) == 0 {
		a.TransferMetadata = nil
	}
	return &a, nil
}

// jsonMap keeps NOT NULL jsonb columns at '{}' for nil maps.
func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
