// Package memory keeps attachment metadata in process memory. It backs the
// "memory" database driver and the service tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
)

type txKey struct{}

type entry struct {
	seq int64
	rec *domain.Attachment
}

type snapshot struct {
	seq         int64
	attachments map[string]entry
	owners      map[domain.OwnerRef]domain.Owner
	audit       []domain.AuditEntry
}

// DB is the shared state behind the memory repositories. Writes are
// serialized; a transaction holds the write lock until it finishes and
// restores a snapshot when fn fails.
type DB struct {
	writeMu sync.Mutex // held by a transaction or a single write
	mu      sync.RWMutex
	now     func() time.Time

	seq         int64
	attachments map[string]entry
	byKey       map[string]string
	owners      map[domain.OwnerRef]domain.Owner
	audit       []domain.AuditEntry
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{
		now:         func() time.Time { return time.Now().UTC() },
		attachments: make(map[string]entry),
		byKey:       make(map[string]string),
		owners:      make(map[domain.OwnerRef]domain.Owner),
	}
}

// SetClock replaces the time source. Intended for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

// Attachments returns the attachment repository.
func (db *DB) Attachments() repository.AttachmentRepository { return &attachmentRepo{db: db} }

// Owners returns the owner directory.
func (db *DB) Owners() repository.OwnerDirectory { return &ownerDirectory{db: db} }

// Audit returns the audit repository.
func (db *DB) Audit() *AuditRepo { return &AuditRepo{db: db} }

// WithinTx implements repository.TxManager. Nested calls join the outer transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	snap := db.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		db.restore(snap)
		return err
	}
	return nil
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// write runs fn with the write lock, unless ctx already belongs to a transaction.
func (db *DB) write(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !inTx(ctx) {
		db.writeMu.Lock()
		defer db.writeMu.Unlock()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn()
}

func (db *DB) snapshot() snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s := snapshot{
		seq:         db.seq,
		attachments: make(map[string]entry, len(db.attachments)),
		owners:      make(map[domain.OwnerRef]domain.Owner, len(db.owners)),
		audit:       append([]domain.AuditEntry(nil), db.audit...),
	}
	for id, e := range db.attachments {
		s.attachments[id] = entry{seq: e.seq, rec: e.rec.Clone()}
	}
	for ref, o := range db.owners {
		s.owners[ref] = o
	}
	return s
}

func (db *DB) restore(s snapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seq = s.seq
	db.attachments = s.attachments
	db.owners = s.owners
	db.audit = s.audit
	db.byKey = make(map[string]string, len(s.attachments))
	for id, e := range s.attachments {
		db.byKey[e.rec.StorageKey] = id
	}
}

type attachmentRepo struct {
	db *DB
}

func (r *attachmentRepo) Create(ctx context.Context, a *domain.Attachment) error {
	return r.db.write(ctx, func() error {
		if _, taken := r.db.byKey[a.StorageKey]; taken {
			return repository.ErrDuplicateKey
		}
		now := r.db.now()
		a.ID = uuid.NewString()
		a.Version = 1
		a.CreatedAt = now
		a.UpdatedAt = now
		if a.UploadedAt.IsZero() {
			a.UploadedAt = now
		}
		r.db.seq++
		r.db.attachments[a.ID] = entry{seq: r.db.seq, rec: a.Clone()}
		r.db.byKey[a.StorageKey] = a.ID
		return nil
	})
}

func (r *attachmentRepo) GetByID(ctx context.Context, id string) (*domain.Attachment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	e, ok := r.db.attachments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (r *attachmentRepo) GetByStorageKey(ctx context.Context, key string) (*domain.Attachment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	id, ok := r.db.byKey[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.db.attachments[id].rec.Clone(), nil
}

func (r *attachmentRepo) FindByChecksum(ctx context.Context, owner domain.OwnerRef, checksum string) (*domain.Attachment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var found *entry
	for _, e := range r.db.attachments {
		if e.rec.Owner() != owner || e.rec.Checksum != checksum {
			continue
		}
		if found == nil || e.seq < found.seq {
			e := e
			found = &e
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found.rec.Clone(), nil
}

func (r *attachmentRepo) List(ctx context.Context, filter repository.ListFilter) ([]domain.Attachment, int64, error) {
	r.db.mu.RLock()
	matched := make([]entry, 0)
	for _, e := range r.db.attachments {
		if matches(e.rec, filter) {
			matched = append(matched, e)
		}
	}
	r.db.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.seq > b.seq
	})

	total := int64(len(matched))
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.NormalizedLimit()
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]domain.Attachment, 0, end-start)
	for _, e := range matched[start:end] {
		page = append(page, *e.rec.Clone())
	}
	return page, total, nil
}

func matches(a *domain.Attachment, f repository.ListFilter) bool {
	if f.Owner != nil && a.Owner() != *f.Owner {
		return false
	}
	if f.Owner == nil && f.Owners != nil {
		found := false
		for _, ref := range f.Owners {
			if a.Owner() == ref {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.UploadedBy != "" && a.UploadedBy != f.UploadedBy {
		return false
	}
	if f.CreatedBySystem != nil && a.CreatedBySystem != *f.CreatedBySystem {
		return false
	}
	if f.CreatedFrom != nil && a.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && a.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.FilenameContains != "" &&
		!strings.Contains(strings.ToLower(a.Filename), strings.ToLower(f.FilenameContains)) {
		return false
	}
	return true
}

func (r *attachmentRepo) Update(ctx context.Context, a *domain.Attachment) error {
	return r.db.write(ctx, func() error {
		return r.replace(a)
	})
}

// replace stores a over the current record. Caller holds db.mu.
func (r *attachmentRepo) replace(a *domain.Attachment) error {
	cur, ok := r.db.attachments[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if a.StorageKey != cur.rec.StorageKey {
		if owner, taken := r.db.byKey[a.StorageKey]; taken && owner != a.ID {
			return repository.ErrDuplicateKey
		}
		delete(r.db.byKey, cur.rec.StorageKey)
		r.db.byKey[a.StorageKey] = a.ID
	}
	a.Version = cur.rec.Version + 1
	a.CreatedAt = cur.rec.CreatedAt
	a.UpdatedAt = r.db.now()
	r.db.attachments[a.ID] = entry{seq: cur.seq, rec: a.Clone()}
	return nil
}

func (r *attachmentRepo) UpdateLocked(ctx context.Context, id string, mutate func(a *domain.Attachment) error) (*domain.Attachment, error) {
	var out *domain.Attachment
	err := r.db.write(ctx, func() error {
		cur, ok := r.db.attachments[id]
		if !ok {
			return repository.ErrNotFound
		}
		rec := cur.rec.Clone()
		if err := mutate(rec); err != nil {
			return err
		}
		rec.ID = id
		if err := r.replace(rec); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) Delete(ctx context.Context, id string) error {
	return r.db.write(ctx, func() error {
		cur, ok := r.db.attachments[id]
		if !ok {
			return repository.ErrNotFound
		}
		delete(r.db.byKey, cur.rec.StorageKey)
		delete(r.db.attachments, id)
		return nil
	})
}

func (r *attachmentRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Attachment, error) {
	r.db.mu.RLock()
	var out []domain.Attachment
	for _, e := range r.db.attachments {
		if e.rec.ExpiresAt != nil && e.rec.ExpiresAt.Before(now) {
			out = append(out, *e.rec.Clone())
		}
	}
	r.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ownerDirectory struct {
	db *DB
}

func (d *ownerDirectory) Resolve(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()
	o, ok := d.db.owners[ref]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (d *ownerDirectory) OwnerIDs(ctx context.Context, teamID int64, kind domain.OwnerKind) ([]int64, error) {
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()
	var ids []int64
	for ref, o := range d.db.owners {
		if ref.Kind == kind && o.TeamID == teamID {
			ids = append(ids, ref.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *ownerDirectory) Upsert(ctx context.Context, owner domain.Owner) error {
	if !owner.Ref.Kind.Valid() {
		return domain.ErrUnsupportedOwnerKind
	}
	return d.db.write(ctx, func() error {
		d.db.owners[owner.Ref] = owner
		return nil
	})
}

// AuditRepo is the in-memory audit log.
type AuditRepo struct {
	db *DB
}

func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	return r.db.write(ctx, func() error {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = r.db.now()
		}
		r.db.audit = append(r.db.audit, *e)
		return nil
	})
}

// Entries returns a copy of the audit log in append order.
func (r *AuditRepo) Entries() []domain.AuditEntry {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return append([]domain.AuditEntry(nil), r.db.audit...)
}
