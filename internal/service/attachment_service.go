package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexdesk/attachments/internal/apperrors"
	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/naming"
	"lexdesk/attachments/internal/repository"
	"lexdesk/attachments/internal/storage"
)

// cleanupTimeout bounds compensating and best-effort deletes, which run even
// when the request context is already cancelled.
const cleanupTimeout = 10 * time.Second

// UploadRequest describes one upload. Either Owner or ExplicitKey is required.
type UploadRequest struct {
	Payload     Payload
	Owner       *domain.OwnerRef
	ExplicitKey string // Overrides key naming
	FileType    string // Path segment for generated keys, defaults to "attachment"
	Extension   string

	SystemGenerated bool
	ForceNew        bool // Skip dedup and always store a new copy
	UploadedBy      string
	Description     string
	CustomMetadata  map[string]string
	ExpiresAt       *time.Time
}

// RelocateOptions configures Move and Copy.
type RelocateOptions struct {
	FileType string // Defaults to the file type of the current key
}

// ListQuery selects attachments of one owner or of every owner of a team.
type ListQuery struct {
	Owner  *domain.OwnerRef
	TeamID int64

	Category         string
	UploadedBy       string
	CreatedBySystem  *bool
	CreatedFrom      *time.Time
	CreatedTo        *time.Time
	FilenameContains string
	Limit            int
	Offset           int
}

// ListResult is one page of attachments.
type ListResult struct {
	Items  []domain.Attachment `json:"items"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// URLOptions configures presigned download URLs.
type URLOptions struct {
	Disposition storage.Disposition
	ExpiresIn   time.Duration
}

// DetailsUpdate holds the user editable fields. Nil fields are left unchanged.
type DetailsUpdate struct {
	Filename       *string
	Description    *string
	CustomMetadata map[string]string
	ExpiresAt      *time.Time
	ClearExpiry    bool
}

// DirectUploadRequest asks for a presigned PUT URL for a new object.
type DirectUploadRequest struct {
	Owner       domain.OwnerRef
	Filename    string
	ContentType string
	FileType    string
}

// UploadURLResponse structure for returning URL and object key
type UploadURLResponse struct {
	UploadURL  string    `json:"uploadUrl"`
	StorageKey string    `json:"storageKey"` // The key client needs to report back on confirm
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ConfirmUploadRequest registers an object uploaded through a presigned URL.
type ConfirmUploadRequest struct {
	Owner          domain.OwnerRef
	StorageKey     string
	Filename       string
	UploadedBy     string
	ForceNew       bool
	Description    string
	CustomMetadata map[string]string
}

// Relocation is a prepared re-key: the object already exists under NewKey and
// the record still points at OldKey. It ends with FinishRelocation after the
// metadata commit or AbortRelocation on failure.
type Relocation struct {
	AttachmentID string
	OldKey       string
	NewKey       string
	Category     string
}

// AttachmentService is the entry point for storing, relocating and serving attachments.
type AttachmentService interface {
	Upload(ctx context.Context, req UploadRequest) (*domain.Attachment, error)
	Get(ctx context.Context, id string) (*domain.Attachment, error)
	Delete(ctx context.Context, a *domain.Attachment) error
	Move(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, opts RelocateOptions) (*domain.Attachment, error)
	Copy(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, opts RelocateOptions) (*domain.Attachment, error)
	List(ctx context.Context, q ListQuery) (*ListResult, error)
	// URL returns a presigned GET URL, or false when the backend could not issue one.
	URL(ctx context.Context, a *domain.Attachment, opts URLOptions) (string, bool)
	Download(ctx context.Context, a *domain.Attachment) (io.ReadCloser, *storage.ObjectInfo, error)
	UpdateDetails(ctx context.Context, id string, upd DetailsUpdate) (*domain.Attachment, error)

	RequestUploadURL(ctx context.Context, req DirectUploadRequest) (*UploadURLResponse, error)
	ConfirmUpload(ctx context.Context, req ConfirmUploadRequest) (*domain.Attachment, error)
	// PurgeExpired deletes up to limit records whose expiry is before now.
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)

	PrepareRelocation(ctx context.Context, a *domain.Attachment, target domain.Owner, fileType string) (*Relocation, error)
	AbortRelocation(ctx context.Context, rel *Relocation)
	FinishRelocation(ctx context.Context, rel *Relocation)
	ResolveOwner(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error)
}

// attachmentService implements the AttachmentService interface.
type attachmentService struct {
	repo          repository.AttachmentRepository
	owners        repository.OwnerDirectory
	store         storage.ObjectStore
	keys          *naming.Generator
	incidents     IncidentRecorder
	log           *zap.Logger
	presignExpiry time.Duration
}

// Option customises the attachment service.
type Option func(*attachmentService)

// WithIncidentRecorder replaces the default log based recorder.
func WithIncidentRecorder(r IncidentRecorder) Option {
	return func(s *attachmentService) { s.incidents = r }
}

// WithPresignExpiry sets the default lifetime of presigned URLs.
func WithPresignExpiry(d time.Duration) Option {
	return func(s *attachmentService) {
		if d > 0 {
			s.presignExpiry = d
		}
	}
}

// NewAttachmentService creates a new instance of attachmentService.
func NewAttachmentService(
	repo repository.AttachmentRepository,
	owners repository.OwnerDirectory,
	store storage.ObjectStore,
	keys *naming.Generator,
	log *zap.Logger,
	opts ...Option,
) AttachmentService {
	s := &attachmentService{
		repo:          repo,
		owners:        owners,
		store:         store,
		keys:          keys,
		log:           log,
		presignExpiry: storage.DefaultPresignedURLExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.incidents == nil {
		s.incidents = NewLogIncidentRecorder(log)
	}
	return s
}

// === Upload ===

// Upload stores the payload and then its metadata. Bytes are always written
// before metadata; a metadata failure deletes the new object again.
func (s *attachmentService) Upload(ctx context.Context, req UploadRequest) (*domain.Attachment, error) {
	explicitKey := strings.TrimPrefix(strings.TrimSpace(req.ExplicitKey), "/")
	if req.Owner == nil && explicitKey == "" {
		return nil, apperrors.InvalidArgument("an owner or an explicit storage key is required", nil)
	}

	// Hashes the content and settles its type; plain readers are buffered here.
	payload, err := preparePayload(req.Payload)
	if err != nil {
		return nil, apperrors.InvalidArgument("unreadable payload", err)
	}

	// The owner's team is needed for the key prefix and for dedup scoping.
	var owner *domain.Owner
	if req.Owner != nil {
		if owner, err = s.ResolveOwner(ctx, *req.Owner); err != nil {
			return nil, err
		}
		// Explicit keys name one exact object, so they are never deduplicated.
		if !req.ForceNew && explicitKey == "" {
			existing, err := s.repo.FindByChecksum(ctx, owner.Ref, payload.checksum)
			switch {
			case err == nil:
				// Same bytes already stored for this owner: reuse that record.
				s.log.Debug("Upload deduplicated",
					zap.String("attachment_id", existing.ID),
					zap.String("owner", owner.Ref.String()),
				)
				return existing, nil
			case !errors.Is(err, repository.ErrNotFound):
				return nil, repositoryError("dedup lookup", err)
			}
		}
	}

	fileType := req.FileType
	key := explicitKey
	if key == "" {
		key, err = s.keys.Generate(naming.KeyRequest{
			Owner:     *owner,
			FileType:  fileType,
			Filename:  payload.filename,
			Extension: req.Extension,
		})
		if err != nil {
			return nil, namingError(err)
		}
	}
	if fileType == "" {
		fileType = naming.FileTypeFromKey(key)
	}

	// Reject a key held by a committed record before any bytes move. The
	// create-only put below closes the window between this check and the write.
	if err := s.ensureKeyFree(ctx, key); err != nil {
		return nil, err
	}

	a := &domain.Attachment{
		StorageKey:      key,
		Filename:        payload.filename,
		ContentType:     payload.contentType,
		ByteSize:        payload.size,
		Checksum:        payload.checksum,
		CreatedBySystem: req.SystemGenerated,
		Description:     req.Description,
		CustomMetadata:  cloneStrings(req.CustomMetadata),
		UploadedBy:      req.UploadedBy,
		ExpiresAt:       req.ExpiresAt,
	}
	if a.Filename == "" {
		a.Filename = keyBase(key)
	}
	if owner != nil {
		a.SetOwner(owner.Ref)
		if a.Category, err = domain.DetectCategory(owner.Ref.Kind, fileType); err != nil {
			return nil, namingError(err)
		}
	}

	// Object first: metadata is only written for bytes that are durably stored.
	if err := s.store.PutObject(ctx, key, payload.body, payload.size, payload.contentType, objectMetadata(a)); err != nil {
		if errors.Is(err, storage.ErrObjectExists) {
			s.log.Warn("Storage key taken by a concurrent writer", zap.String("storage_key", key))
		} else {
			s.log.Error("Failed to store object", zap.String("storage_key", key), zap.Error(err))
		}
		return nil, storageError("upload", err)
	}

	if owner == nil {
		// Without an owner there is no metadata to keep; the object alone is the result.
		a.UploadedAt = time.Now().UTC()
		return a, nil
	}

	if err := s.createRecord(ctx, "upload", a, true); err != nil {
		return nil, err
	}

	s.log.Info("Attachment stored",
		zap.String("attachment_id", a.ID),
		zap.String("storage_key", a.StorageKey),
		zap.String("owner", a.Owner().String()),
		zap.String("size", humanize.Bytes(uint64(a.ByteSize))),
	)
	return a, nil
}

// createRecord inserts a whose object has already been written under
// a.StorageKey, deleting that object again if the insert fails. ownsObject
// tells whether this call created the object: only then is it removed when
// another record already claims the key.
func (s *attachmentService) createRecord(ctx context.Context, op string, a *domain.Attachment, ownsObject bool) error {
	err := s.repo.Create(ctx, a)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrDuplicateKey) {
		s.incidents.Record(ctx, Incident{Kind: IncidentKeyCollision, Op: op, StorageKey: a.StorageKey, Err: err})
		// Puts and copies are create-only, so an object we wrote cannot be
		// the bytes of the record that won the insert.
		if ownsObject {
			s.deleteBestEffort(ctx, op, IncidentOrphanObject, "", a.StorageKey)
		}
		return repositoryError(op, err)
	}

	s.deleteBestEffort(ctx, op, IncidentOrphanObject, "", a.StorageKey)
	return repositoryError(op, err)
}

// ensureKeyFree fails with Conflict when a committed record already uses key.
func (s *attachmentService) ensureKeyFree(ctx context.Context, key string) error {
	_, err := s.repo.GetByStorageKey(ctx, key)
	switch {
	case err == nil:
		return apperrors.Conflict("storage key already in use", nil)
	case errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return repositoryError("storage key lookup", err)
	}
}

// deleteBestEffort removes key and reports a failure as an incident of kind.
func (s *attachmentService) deleteBestEffort(ctx context.Context, op string, kind IncidentKind, attachmentID, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.store.DeleteObject(cleanupCtx, key); err != nil {
		s.incidents.Record(ctx, Incident{Kind: kind, Op: op, AttachmentID: attachmentID, StorageKey: key, Err: err})
	}
}

// === Read ===

func (s *attachmentService) Get(ctx context.Context, id string) (*domain.Attachment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.InvalidArgument("attachment id is required", nil)
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, repositoryError("get attachment", err)
	}
	return a, nil
}

// ResolveOwner looks up the team of ref.
func (s *attachmentService) ResolveOwner(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	if !ref.Kind.Valid() {
		return nil, apperrors.InvalidArgument("unsupported owner kind", domain.ErrUnsupportedOwnerKind)
	}
	owner, err := s.owners.Resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("owner "+ref.String(), err)
		}
		return nil, repositoryError("resolve owner", err)
	}
	return owner, nil
}

// === Delete ===

// Delete removes the object first and the metadata second. A failed object
// delete leaves the record in place so the call can be retried.
func (s *attachmentService) Delete(ctx context.Context, a *domain.Attachment) error {
	if a == nil || !a.Persisted() {
		return apperrors.InvalidArgument("a persisted attachment is required", nil)
	}
	if err := s.store.DeleteObject(ctx, a.StorageKey); err != nil {
		s.log.Error("Failed to delete object", zap.String("storage_key", a.StorageKey), zap.Error(err))
		return storageError("delete", err)
	}

	if err := s.repo.Delete(ctx, a.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.incidents.Record(ctx, Incident{
			Kind:         IncidentDanglingMetadata,
			Op:           "delete",
			AttachmentID: a.ID,
			StorageKey:   a.StorageKey,
			Err:          apperrors.Inconsistent("object deleted but metadata kept", err),
		})
		return nil
	}

	s.log.Info("Attachment deleted", zap.String("attachment_id", a.ID), zap.String("storage_key", a.StorageKey))
	return nil
}

// === Move / Copy ===

// PrepareRelocation names a key for target and copies the object there. The
// record is not touched.
func (s *attachmentService) PrepareRelocation(ctx context.Context, a *domain.Attachment, target domain.Owner, fileType string) (*Relocation, error) {
	if fileType == "" {
		fileType = naming.FileTypeFromKey(a.StorageKey)
	}
	category, err := domain.DetectCategory(target.Ref.Kind, fileType)
	if err != nil {
		return nil, namingError(err)
	}
	newKey, err := s.keys.Generate(naming.KeyRequest{
		Owner:     target,
		FileType:  fileType,
		Filename:  a.Filename,
		Extension: naming.ExtensionFromKey(a.StorageKey),
	})
	if err != nil {
		return nil, namingError(err)
	}
	if newKey == a.StorageKey {
		return nil, apperrors.Conflict("new storage key equals the current one", nil)
	}
	// Singular file types have no random suffix, so the target may already
	// hold another record's object. It must be neither overwritten nor later
	// deleted by AbortRelocation.
	if err := s.ensureKeyFree(ctx, newKey); err != nil {
		return nil, err
	}

	// The copy is create-only: success means this call owns newKey.
	if err := s.store.CopyObject(ctx, a.StorageKey, newKey); err != nil {
		if !errors.Is(err, storage.ErrObjectExists) {
			s.log.Error("Failed to copy object",
				zap.String("src", a.StorageKey), zap.String("dst", newKey), zap.Error(err))
		}
		return nil, storageError("copy", err)
	}
	return &Relocation{AttachmentID: a.ID, OldKey: a.StorageKey, NewKey: newKey, Category: category}, nil
}

// AbortRelocation deletes the copy made by PrepareRelocation. A Relocation is
// only handed out after a create-only copy succeeded, so NewKey never holds
// bytes of another record.
func (s *attachmentService) AbortRelocation(ctx context.Context, rel *Relocation) {
	if rel == nil {
		return
	}
	s.deleteBestEffort(ctx, "relocation rollback", IncidentOrphanObject, rel.AttachmentID, rel.NewKey)
}

// FinishRelocation deletes the old object once the record points at the new key.
func (s *attachmentService) FinishRelocation(ctx context.Context, rel *Relocation) {
	if rel == nil {
		return
	}
	s.deleteBestEffort(ctx, "relocation cleanup", IncidentStaleObject, rel.AttachmentID, rel.OldKey)
}

// Move copies the object to a key of the target owner, repoints the record
// under its row lock and only then deletes the old object.
func (s *attachmentService) Move(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, opts RelocateOptions) (*domain.Attachment, error) {
	if a == nil || !a.Persisted() {
		return nil, apperrors.InvalidArgument("a persisted attachment is required", nil)
	}
	owner, err := s.ResolveOwner(ctx, target)
	if err != nil {
		return nil, err
	}

	rel, err := s.PrepareRelocation(ctx, a, *owner, opts.FileType)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateLocked(ctx, a.ID, func(rec *domain.Attachment) error {
		if rec.StorageKey != rel.OldKey {
			return apperrors.Conflict("attachment was relocated concurrently", nil)
		}
		rec.SetOwner(owner.Ref)
		rec.StorageKey = rel.NewKey
		rec.Category = rel.Category
		return nil
	})
	if err != nil {
		s.AbortRelocation(ctx, rel)
		return nil, repositoryError("move", err)
	}

	s.FinishRelocation(ctx, rel)
	s.log.Info("Attachment moved",
		zap.String("attachment_id", updated.ID),
		zap.String("from", rel.OldKey),
		zap.String("to", rel.NewKey),
	)
	return updated, nil
}

// Copy duplicates the object and its metadata for target. The original record
// and object are never modified.
func (s *attachmentService) Copy(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, opts RelocateOptions) (*domain.Attachment, error) {
	if a == nil || !a.Persisted() {
		return nil, apperrors.InvalidArgument("a persisted attachment is required", nil)
	}
	owner, err := s.ResolveOwner(ctx, target)
	if err != nil {
		return nil, err
	}

	rel, err := s.PrepareRelocation(ctx, a, *owner, opts.FileType)
	if err != nil {
		return nil, err
	}

	dup := a.Clone()
	dup.ID = ""
	dup.Version = 0
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	dup.UploadedAt = time.Time{}
	dup.SetOwner(owner.Ref)
	dup.StorageKey = rel.NewKey
	dup.Category = rel.Category

	if err := s.createRecord(ctx, "copy", dup, true); err != nil {
		return nil, err
	}

	s.log.Info("Attachment copied",
		zap.String("source_id", a.ID),
		zap.String("attachment_id", dup.ID),
		zap.String("storage_key", dup.StorageKey),
	)
	return dup, nil
}

// === List ===

func (s *attachmentService) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	filter := repository.ListFilter{
		Category:         q.Category,
		UploadedBy:       q.UploadedBy,
		CreatedBySystem:  q.CreatedBySystem,
		CreatedFrom:      q.CreatedFrom,
		CreatedTo:        q.CreatedTo,
		FilenameContains: q.FilenameContains,
		Limit:            q.Limit,
		Offset:           q.Offset,
	}

	switch {
	case q.Owner != nil:
		if !q.Owner.Kind.Valid() {
			return nil, apperrors.InvalidArgument("unsupported owner kind", domain.ErrUnsupportedOwnerKind)
		}
		filter.Owner = q.Owner
	case q.TeamID > 0:
		refs, err := s.teamOwners(ctx, q.TeamID)
		if err != nil {
			return nil, err
		}
		filter.Owners = refs
	default:
		return nil, apperrors.InvalidArgument("an owner or a team is required", nil)
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, repositoryError("list attachments", err)
	}
	return &ListResult{Items: items, Total: total, Limit: filter.NormalizedLimit(), Offset: filter.Offset}, nil
}

// teamOwners collects the owners of every kind that belong to team. The result
// is non-nil so that a team without owners matches nothing.
func (s *attachmentService) teamOwners(ctx context.Context, teamID int64) ([]domain.OwnerRef, error) {
	kinds := domain.AllOwnerKinds()
	perKind := make([][]int64, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			ids, err := s.owners.OwnerIDs(gctx, teamID, kind)
			if err != nil {
				return fmt.Errorf("list %s owners: %w", kind, err)
			}
			perKind[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, repositoryError("resolve team owners", err)
	}

	seen := make(map[domain.OwnerRef]struct{})
	refs := make([]domain.OwnerRef, 0)
	for i, ids := range perKind {
		for _, id := range ids {
			ref := domain.OwnerRef{Kind: kinds[i], ID: id}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

// === URLs and streaming ===

func (s *attachmentService) URL(ctx context.Context, a *domain.Attachment, opts URLOptions) (string, bool) {
	if a == nil {
		return "", false
	}
	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = s.presignExpiry
	}
	u, err := s.store.PresignDownload(ctx, a.StorageKey, storage.PresignOptions{
		Disposition: opts.Disposition,
		Filename:    a.Filename,
		ExpiresIn:   expires,
	})
	if err != nil {
		s.incidents.Record(ctx, Incident{Kind: IncidentURLFailed, Op: "presign", AttachmentID: a.ID, StorageKey: a.StorageKey, Err: err})
		return "", false
	}
	return u, true
}

func (s *attachmentService) Download(ctx context.Context, a *domain.Attachment) (io.ReadCloser, *storage.ObjectInfo, error) {
	if a == nil {
		return nil, nil, apperrors.InvalidArgument("attachment is required", nil)
	}
	body, info, err := s.store.GetObject(ctx, a.StorageKey)
	if err != nil {
		return nil, nil, storageError("download", err)
	}
	return body, info, nil
}

// === Metadata edits ===

func (s *attachmentService) UpdateDetails(ctx context.Context, id string, upd DetailsUpdate) (*domain.Attachment, error) {
	updated, err := s.repo.UpdateLocked(ctx, id, func(rec *domain.Attachment) error {
		if upd.Filename != nil {
			name := cleanFilename(*upd.Filename)
			if name == "" {
				return apperrors.InvalidArgument("filename must not be empty", nil)
			}
			rec.Filename = name
		}
		if upd.Description != nil {
			rec.Description = *upd.Description
		}
		if upd.CustomMetadata != nil {
			rec.CustomMetadata = cloneStrings(upd.CustomMetadata)
		}
		switch {
		case upd.ClearExpiry:
			rec.ExpiresAt = nil
		case upd.ExpiresAt != nil:
			exp := upd.ExpiresAt.UTC()
			rec.ExpiresAt = &exp
		}
		return nil
	})
	if err != nil {
		return nil, repositoryError("update attachment", err)
	}
	return updated, nil
}

// === Direct client uploads ===

// RequestUploadURL generates a pre-signed URL for a client to upload a file for owner.
func (s *attachmentService) RequestUploadURL(ctx context.Context, req DirectUploadRequest) (*UploadURLResponse, error) {
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		return nil, apperrors.InvalidArgument("content type is required", nil)
	}
	owner, err := s.ResolveOwner(ctx, req.Owner)
	if err != nil {
		return nil, err
	}

	key, err := s.keys.Generate(naming.KeyRequest{Owner: *owner, FileType: req.FileType, Filename: req.Filename})
	if err != nil {
		return nil, namingError(err)
	}

	// A presigned PUT overwrites unconditionally, so never hand one out for a
	// key that is already recorded or stored.
	if err := s.ensureKeyFree(ctx, key); err != nil {
		return nil, err
	}
	if _, err := s.store.HeadObject(ctx, key); err == nil {
		return nil, apperrors.Conflict("storage key already in use", nil)
	} else if !errors.Is(err, storage.ErrObjectNotFound) {
		return nil, storageError("check upload key", err)
	}

	uploadURL, err := s.store.PresignUpload(ctx, key, contentType, s.presignExpiry)
	if err != nil {
		return nil, storageError("presign upload", err)
	}

	return &UploadURLResponse{
		UploadURL:  uploadURL,
		StorageKey: key,
		ExpiresAt:  time.Now().UTC().Add(s.presignExpiry),
	}, nil
}

// ConfirmUpload creates metadata for an object the client uploaded directly.
// The object is hashed from storage so dedup works as for regular uploads.
func (s *attachmentService) ConfirmUpload(ctx context.Context, req ConfirmUploadRequest) (*domain.Attachment, error) {
	owner, err := s.ResolveOwner(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	prefix, err := s.keys.OwnerPrefix(*owner)
	if err != nil {
		return nil, namingError(err)
	}
	if !strings.HasPrefix(req.StorageKey, prefix) {
		return nil, apperrors.InvalidArgument("storage key does not belong to the owner", nil)
	}

	if existing, err := s.repo.GetByStorageKey(ctx, req.StorageKey); err == nil {
		if existing.Owner() == owner.Ref {
			return existing, nil
		}
		return nil, apperrors.Conflict("storage key already in use", nil)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, repositoryError("storage key lookup", err)
	}

	body, info, err := s.store.GetObject(ctx, req.StorageKey)
	if err != nil {
		return nil, storageError("read uploaded object", err)
	}
	checksum, size, err := checksumOf(body)
	_ = body.Close()
	if err != nil {
		return nil, storageError("hash uploaded object", err)
	}

	if !req.ForceNew {
		existing, err := s.repo.FindByChecksum(ctx, owner.Ref, checksum)
		switch {
		case err == nil:
			s.deleteBestEffort(ctx, "confirm dedup", IncidentOrphanObject, existing.ID, req.StorageKey)
			return existing, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, repositoryError("dedup lookup", err)
		}
	}

	fileType := naming.FileTypeFromKey(req.StorageKey)
	category, err := domain.DetectCategory(owner.Ref.Kind, fileType)
	if err != nil {
		return nil, namingError(err)
	}

	a := &domain.Attachment{
		StorageKey:     req.StorageKey,
		Filename:       cleanFilename(req.Filename),
		ContentType:    info.ContentType,
		ByteSize:       size,
		Checksum:       checksum,
		Category:       category,
		Description:    req.Description,
		CustomMetadata: cloneStrings(req.CustomMetadata),
		UploadedBy:     req.UploadedBy,
	}
	if a.Filename == "" {
		a.Filename = keyBase(req.StorageKey)
	}
	a.SetOwner(owner.Ref)

	// The client wrote this object, so a lost insert race must not delete it.
	if err := s.createRecord(ctx, "confirm upload", a, false); err != nil {
		return nil, err
	}
	s.log.Info("Direct upload confirmed",
		zap.String("attachment_id", a.ID),
		zap.String("storage_key", a.StorageKey),
		zap.String("size", humanize.Bytes(uint64(size))),
	)
	return a, nil
}

// === Expiry ===

// PurgeExpired runs the regular delete path for each expired record. Records
// that fail are reported and skipped.
func (s *attachmentService) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.repo.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, repositoryError("list expired", err)
	}

	purged := 0
	for i := range expired {
		a := &expired[i]
		if err := s.Delete(ctx, a); err != nil {
			s.incidents.Record(ctx, Incident{Kind: IncidentPurgeFailed, Op: "purge", AttachmentID: a.ID, StorageKey: a.StorageKey, Err: err})
			continue
		}
		purged++
	}
	if purged > 0 {
		s.log.Info("Expired attachments purged", zap.Int("count", purged))
	}
	return purged, nil
}

func objectMetadata(a *domain.Attachment) map[string]string {
	meta := map[string]string{"checksum": a.Checksum}
	if !a.Owner().IsZero() {
		meta["owner"] = a.Owner().String()
	}
	return meta
}

func keyBase(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func cloneStrings(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
