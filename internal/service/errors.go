package service

import (
	"errors"

	"lexdesk/attachments/internal/apperrors"
	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/naming"
	"lexdesk/attachments/internal/repository"
	"lexdesk/attachments/internal/storage"
)

// storageError maps an object store failure onto the error taxonomy.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return apperrors.NotFound("stored object", err)
	case errors.Is(err, storage.ErrObjectExists):
		// Objects are create-only; another writer owns the key.
		return apperrors.Conflict("storage key already in use", err)
	}
	return apperrors.BackendUnavailable(op+" failed", err)
}

// repositoryError maps a metadata failure onto the error taxonomy.
// AppErrors raised inside UpdateLocked callbacks pass through unchanged.
func repositoryError(op string, err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NotFound("attachment", err)
	case errors.Is(err, repository.ErrDuplicateKey):
		return apperrors.Conflict("storage key already in use", err)
	case errors.Is(err, repository.ErrConcurrentUpdate):
		return apperrors.Conflict("attachment was modified concurrently", err)
	default:
		return apperrors.Internal(op+" failed", err)
	}
}

// namingError reports key naming and category failures as invalid input.
func namingError(err error) error {
	switch {
	case errors.Is(err, domain.ErrUnsupportedOwnerKind):
		return apperrors.InvalidArgument("unsupported owner kind", err)
	case errors.Is(err, naming.ErrMissingTenant):
		return apperrors.InvalidArgument("owner is not associated to a team", err)
	default:
		return apperrors.InvalidArgument("cannot build storage key", err)
	}
}
