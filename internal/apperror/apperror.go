// Package apperror defines the typed errors shared by the matching and
// messaging components. Errors compare by Code, so a wrapped error still
// matches its sentinel through errors.Is.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with an HTTP status and a wire code.
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches any AppError carrying the same Code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new application error
func New(statusCode int, code, message string) *AppError {
	return &AppError{StatusCode: statusCode, Code: code, Message: message}
}

// Wrap returns a copy of kind that carries cause.
func Wrap(kind *AppError, cause error) *AppError {
	return &AppError{
		StatusCode: kind.StatusCode,
		Code:       kind.Code,
		Message:    kind.Message,
		Err:        cause,
	}
}

// WithMessage returns a copy of kind with a more specific message.
func WithMessage(kind *AppError, message string) *AppError {
	return &AppError{
		StatusCode: kind.StatusCode,
		Code:       kind.Code,
		Message:    message,
	}
}

var (
	ErrAuthentication   = New(http.StatusUnauthorized, "authentication_failed", "authentication failed")
	ErrDuplicateRequest = New(http.StatusConflict, "duplicate_request", "a pending request already exists")
	ErrStaleAccept      = New(http.StatusConflict, "stale_accept", "request not found or already accepted")
	ErrRouting          = New(http.StatusForbidden, "not_in_room", "sender is not part of this session")
	ErrPersistence      = New(http.StatusServiceUnavailable, "persistence_failed", "storage is unavailable")
	ErrNotCancellable   = New(http.StatusConflict, "not_cancellable", "no pending request to cancel")
	ErrForbidden        = New(http.StatusForbidden, "forbidden", "operation not allowed for this user")
	ErrInvalidPayload   = New(http.StatusBadRequest, "invalid_payload", "invalid event payload")
	ErrRateLimited      = New(http.StatusTooManyRequests, "rate_limited", "too many events, slow down")
	ErrSessionNotFound  = New(http.StatusNotFound, "session_not_found", "chat session not found")
	ErrSessionClosed    = New(http.StatusConflict, "session_closed", "chat session has ended")
)

// From extracts an AppError from err. Errors without one are reported as
// persistence failures, the only kind raised by infrastructure.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrPersistence, err)
}
