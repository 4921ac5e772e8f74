package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"lexdesk/attachments/internal/apperrors"
	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/naming"
	"lexdesk/attachments/internal/repository"
)

// --- Service Interface ---

// TransferOptions tunes a single transfer.
type TransferOptions struct {
	// ReorganizeStorageKey moves the object under the new owner's prefix when
	// the current key embeds the old owner.
	ReorganizeStorageKey bool
	// ValidateCompatibility rejects categories reserved to another owner kind.
	ValidateCompatibility bool
	Reason                string
}

// TransferResult is the outcome of Transfer. Err is set exactly when Success is false.
type TransferResult struct {
	Success    bool                `json:"success"`
	Attachment *domain.Attachment  `json:"attachment,omitempty"`
	Message    string              `json:"message"`
	Err        *apperrors.AppError `json:"-"`
}

// TransferService reassigns attachments between owners.
type TransferService interface {
	Transfer(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, actorID string, opts TransferOptions) TransferResult
}

// --- Service Implementation ---

// transferService implements TransferService on top of the orchestrator's
// relocation steps, so moves and transfers share one copy/repoint/cleanup path.
type transferService struct {
	attachments AttachmentService
	repo        repository.AttachmentRepository
	tx          repository.TxManager
	audit       repository.AuditRepository
	incidents   IncidentRecorder
	log         *zap.Logger
	now         func() time.Time
}

// TransferOption customises the transfer service.
type TransferOption func(*transferService)

// WithTransferIncidents replaces the default log based recorder.
func WithTransferIncidents(r IncidentRecorder) TransferOption {
	return func(s *transferService) { s.incidents = r }
}

// WithTransferClock replaces the time source stamped on transferred records.
func WithTransferClock(now func() time.Time) TransferOption {
	return func(s *transferService) { s.now = now }
}

// NewTransferService creates a new instance of transferService.
func NewTransferService(
	attachments AttachmentService,
	repo repository.AttachmentRepository,
	tx repository.TxManager,
	audit repository.AuditRepository,
	log *zap.Logger,
	opts ...TransferOption,
) TransferService {
	s := &transferService{
		attachments: attachments,
		repo:        repo,
		tx:          tx,
		audit:       audit,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.incidents == nil {
		s.incidents = NewLogIncidentRecorder(log)
	}
	return s
}

// rejected turns any error into a failed result. Non-AppErrors become INTERNAL_ERROR.
func rejected(err error) TransferResult {
	appErr := apperrors.As(err)
	return TransferResult{Message: appErr.Message, Err: appErr}
}

// Transfer reassigns a to target. Failures are reported in the result, the
// record and its object stay as they were.
func (s *transferService) Transfer(ctx context.Context, a *domain.Attachment, target domain.OwnerRef, actorID string, opts TransferOptions) TransferResult {
	if a == nil || !a.Persisted() {
		return rejected(apperrors.NotFound("attachment", nil))
	}
	// Work from the stored record, not the caller's possibly stale copy.
	current, err := s.repo.GetByID(ctx, a.ID)
	if err != nil {
		return rejected(repositoryError("load attachment", err))
	}

	if !target.Kind.Valid() {
		return rejected(apperrors.InvalidArgument("unsupported target owner kind", domain.ErrUnsupportedOwnerKind))
	}
	owner, err := s.attachments.ResolveOwner(ctx, target)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return rejected(apperrors.NotFound("target owner", err))
		}
		return rejected(err)
	}

	// --- Preconditions ---
	from := current.Owner()
	if from == target {
		return rejected(apperrors.InvalidArgument("attachment already belongs to "+target.String(), nil))
	}
	if !target.Kind.AcceptsTransfers() {
		return rejected(apperrors.InvalidArgument(fmt.Sprintf("%s owners cannot receive transfers", target.Kind), nil))
	}
	if opts.ValidateCompatibility && !domain.CategoryAllowedOn(current.Category, target.Kind) {
		return rejected(apperrors.Conflict(
			fmt.Sprintf("category %s cannot belong to a %s", current.Category, target.Kind), nil))
	}

	// Copy the object before taking the row lock so a slow backend never holds
	// it. Keys that do not name the old owner (explicit paths) stay as they are.
	var rel *Relocation
	if opts.ReorganizeStorageKey && naming.KeyEmbedsOwner(current.StorageKey, from) {
		if rel, err = s.attachments.PrepareRelocation(ctx, current, *owner, ""); err != nil {
			return rejected(err)
		}
	}

	var updated *domain.Attachment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.UpdateLocked(ctx, current.ID, func(rec *domain.Attachment) error {
			// Another transfer or move committed since the reload above.
			if rec.Owner() != from || rec.StorageKey != current.StorageKey {
				return apperrors.Conflict("attachment changed during transfer", nil)
			}
			s.applyTransfer(rec, owner.Ref, actorID, opts.Reason, rel)
			return nil
		})
		return err
	})
	if err != nil {
		// Nothing was committed: drop the copy, the original is still referenced.
		s.attachments.AbortRelocation(ctx, rel)
		s.log.Warn("Transfer rejected",
			zap.String("attachment_id", current.ID),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		return rejected(repositoryError("transfer", err))
	}

	// --- Committed ---
	// Both steps are best-effort; failures surface as incidents only.
	s.attachments.FinishRelocation(ctx, rel)
	s.appendAudit(ctx, updated, from, actorID, opts.Reason)

	msg := fmt.Sprintf("attachment %s transferred from %s to %s", updated.ID, from, target)
	s.log.Info("Attachment transferred",
		zap.String("attachment_id", updated.ID),
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.String("actor", actorID),
	)
	return TransferResult{Success: true, Attachment: updated, Message: msg}
}

// applyTransfer rewrites rec for its new owner and records where it came from
// in TransferMetadata.
func (s *transferService) applyTransfer(rec *domain.Attachment, to domain.OwnerRef, actorID, reason string, rel *Relocation) {
	from := rec.Owner()
	meta := make(map[string]string, len(rec.TransferMetadata)+4)
	for k, v := range rec.TransferMetadata {
		meta[k] = v
	}
	meta[domain.TransferKeyPreviousOwnerType] = string(from.Kind)
	meta[domain.TransferKeyPreviousOwnerID] = strconv.FormatInt(from.ID, 10)
	if reason != "" {
		meta[domain.TransferKeyReason] = reason
	} else {
		delete(meta, domain.TransferKeyReason)
	}

	delete(meta, domain.TransferKeyPreviousKey)
	if rel != nil {
		meta[domain.TransferKeyPreviousKey] = rel.OldKey
		rec.StorageKey = rel.NewKey
		rec.Category = rel.Category
	} else if category, err := domain.DetectCategory(to.Kind, naming.FileTypeFromKey(rec.StorageKey)); err == nil {
		// Key kept: only the classification follows the new owner kind.
		rec.Category = category
	}

	now := s.now()
	rec.SetOwner(to)
	rec.TransferredAt = &now
	rec.TransferredBy = actorID
	rec.TransferMetadata = meta
}

// appendAudit records the transfer. A missing audit repository disables auditing.
func (s *transferService) appendAudit(ctx context.Context, a *domain.Attachment, from domain.OwnerRef, actorID, reason string) {
	if s.audit == nil {
		return
	}
	details := map[string]string{
		"from": from.String(),
		"to":   a.Owner().String(),
	}
	if reason != "" {
		details[domain.TransferKeyReason] = reason
	}
	if prev, ok := a.TransferMetadata[domain.TransferKeyPreviousKey]; ok {
		details[domain.TransferKeyPreviousKey] = prev
	}
	entry := &domain.AuditEntry{
		Action:       domain.AuditActionTransfer,
		AttachmentID: a.ID,
		ActorID:      actorID,
		Details:      details,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.incidents.Record(ctx, Incident{Kind: IncidentAuditFailed, Op: "transfer", AttachmentID: a.ID, StorageKey: a.StorageKey, Err: err})
	}
}
