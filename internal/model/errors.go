package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the cart error taxonomy.
// Use errors.Is() to check against these.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrMergeFailed       = errors.New("merge failed")
	ErrCorruptedState    = errors.New("corrupted local state")
)

// APIError represents a structured error for API responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"` // HTTP status, not serialized
	Err        error  `json:"-"` // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same operation unchanged.
// Only transport-level failures qualify; validation and auth failures need intervention.
func (e *APIError) Retryable() bool {
	return errors.Is(e.Err, ErrRemoteUnavailable)
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}

// NewValidationError creates a 400 error for invalid input.
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: http.StatusBadRequest,
		Err:        ErrInvalidRequest,
	}
}

// NewUnauthorizedError creates a 401 error for missing or expired credentials.
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:       "UNAUTHORIZED",
		Message:    reason,
		StatusCode: http.StatusUnauthorized,
		Err:        ErrUnauthorized,
	}
}

// NewRemoteUnavailableError creates a 503 error for network failures and 5xx responses
// from the Cart Persistence Service.
func NewRemoteUnavailableError(service string, err error) *APIError {
	return &APIError{
		Code:       "REMOTE_UNAVAILABLE",
		Message:    fmt.Sprintf("%s is unavailable, please retry", service),
		StatusCode: http.StatusServiceUnavailable,
		Err:        fmt.Errorf("%w: %v", ErrRemoteUnavailable, err),
	}
}

// NewMergeFailedError creates an error for a guest→account merge that did not apply.
// The cause is kept in the chain so callers can still match ErrUnauthorized etc.
func NewMergeFailedError(err error) *APIError {
	return &APIError{
		Code:       "MERGE_FAILED",
		Message:    "saved guest items could not be merged into the account cart",
		StatusCode: http.StatusBadGateway,
		Err:        errors.Join(ErrMergeFailed, err),
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}
