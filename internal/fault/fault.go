// Package fault defines the error taxonomy surfaced in tool error envelopes.
package fault

import (
	"errors"
	"fmt"
)

// Error codes. Every error envelope carries exactly one of these.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeNotFound            = "NOT_FOUND"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeConflict            = "CONFLICT"
	CodeSessionLocked       = "SESSION_LOCKED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeDatabaseUnavailable = "DATABASE_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// Error is a coded error suitable for returning to clients. The message must
// never contain secrets or stack traces.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invalid reports a validation failure.
func Invalid(format string, args ...any) *Error {
	return New(CodeInvalidInput, format, args...)
}

// NotFound reports an absent or expired resource.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// Denied reports an insufficient access tier.
func Denied(format string, args ...any) *Error {
	return New(CodePermissionDenied, format, args...)
}

// Conflict reports a uniqueness or concurrency violation.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// InvalidToken reports an unresolvable protected token.
func InvalidToken(format string, args ...any) *Error {
	return New(CodeInvalidToken, format, args...)
}

// Unavailable reports an unreachable or exhausted storage backend.
func Unavailable(format string, args ...any) *Error {
	return New(CodeDatabaseUnavailable, format, args...)
}

// WithDetails attaches structured details to the error envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// As unwraps err into a coded error if possible.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
