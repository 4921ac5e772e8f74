package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared by the storage core and the HTTP layer.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeInconsistent       = "INCONSISTENT"
	CodeInternal           = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same operation later.
func (e *AppError) Retryable() bool {
	return e.Code == CodeBackendUnavailable
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, http.StatusBadRequest, err)
}

func NotFound(resource string, err error) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound, err)
}

func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, http.StatusConflict, err)
}

func BackendUnavailable(message string, err error) *AppError {
	return New(CodeBackendUnavailable, message, http.StatusServiceUnavailable, err)
}

func Inconsistent(message string, err error) *AppError {
	return New(CodeInconsistent, message, http.StatusInternalServerError, err)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, http.StatusInternalServerError, err)
}

// Is reports whether err carries an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// As extracts the AppError from err, wrapping unknown errors as internal.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("unexpected error", err)
}
