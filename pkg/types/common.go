package types

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the operational status of components
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ID represents a unique identifier
type ID string

// NewID creates an ID from a string
func NewID(s string) ID {
	return ID(s)
}

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new unique identifier
func GenerateID() ID {
	return ID(uuid.NewString())
}

// GenerateCorrelationID generates a correlation ID scoped to a context.
// The context prefix keeps IDs unique across independent contexts even
// when two of them dispatch at the same instant.
func GenerateCorrelationID(contextID ID) ID {
	if contextID.IsEmpty() {
		return GenerateID()
	}
	return ID(contextID.String() + ":" + uuid.NewString())
}

// Timestamp represents a point in time
type Timestamp struct {
	time.Time
}

// NewTimestamp creates a new timestamp from the current time
func NewTimestamp() Timestamp {
	return Timestamp{Time: time.Now()}
}

// NewTimestampFromTime creates a new timestamp from a time.Time
func NewTimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// IsZero returns true if the timestamp is zero
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error has a specific error code
func IsErrCode(err error, code string) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether an error class may be retried. Validation
// failures are caller bugs and are never retried; everything else is
// presumed transient.
func IsRetryable(err error) bool {
	switch GetErrorCode(err) {
	case ErrCodeValidation, ErrCodeInvalidArgument, ErrCodeNotFound, ErrCodePermissionDenied:
		return false
	}
	return true
}

// Common error codes
const (
	ErrCodeValidation        = "VALIDATION"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConnection        = "CONNECTION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeInternal          = "INTERNAL"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeHandlerFailed     = "HANDLER_FAILED"
	ErrCodePartialFailure    = "PARTIAL_FAILURE"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeConflict          = "CONFLICT"
)
