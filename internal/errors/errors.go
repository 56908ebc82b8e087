// Package errors provides the status code set and sentinel errors for hsport.
//
// Every public operation reports one of a closed set of status codes.
// Internally, packages return wrapped sentinel errors; StatusOf maps any
// error chain back to its status code at the public boundary.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Status codes
// ============================================================================

// Status is a general return code. The numbering is part of the external
// interface and must not change.
type Status int32

const (
	StatusOK                 Status = 0
	StatusError              Status = 1
	StatusConnectionError    Status = 2
	StatusInitError          Status = 3
	StatusLimitError         Status = 4
	StatusSyncConfError      Status = 5
	StatusMultiUsedError     Status = 6
	StatusIndexError         Status = 7
	StatusFileError          Status = 8
	StatusNotReady           Status = 9
	StatusExternalLibMissing Status = 10
	StatusNotConnected       Status = 11
	StatusNoFile             Status = 12
	StatusCoreError          Status = 13
	StatusInvalidPointer     Status = 14
	StatusNotImplemented     Status = 15
	StatusInvalidTimestamp   Status = 16
)

// String returns a human-readable name for a status code.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "Error"
	case StatusConnectionError:
		return "ConnectionError"
	case StatusInitError:
		return "InitError"
	case StatusLimitError:
		return "LimitError"
	case StatusSyncConfError:
		return "SyncConfError"
	case StatusMultiUsedError:
		return "MultiUsedError"
	case StatusIndexError:
		return "IndexError"
	case StatusFileError:
		return "FileError"
	case StatusNotReady:
		return "NotReady"
	case StatusExternalLibMissing:
		return "ExternalLibMissing"
	case StatusNotConnected:
		return "NotConnected"
	case StatusNoFile:
		return "NoFile"
	case StatusCoreError:
		return "CoreError"
	case StatusInvalidPointer:
		return "InvalidPointer"
	case StatusNotImplemented:
		return "NotImplemented"
	case StatusInvalidTimestamp:
		return "InvalidTimestamp"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	return s >= StatusOK && s <= StatusInvalidTimestamp
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Handle and registry errors
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrNotInitialized  = errors.New("not initialized")
	ErrLimitExceeded   = errors.New("limit exceeded")
	ErrClientNotFound  = errors.New("client not found")
	ErrMultiUsed       = errors.New("already in use")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")

	// Catalog and index errors
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNotFound        = errors.New("not found")
	ErrNotWritable     = errors.New("channel is not writable")

	// Buffer errors
	ErrNotReady        = errors.New("not ready")
	ErrBufferOverrun   = errors.New("buffer overrun")
	ErrBufferFull      = errors.New("buffer full")
	ErrNotAcknowledged = errors.New("advance without successful read")
	ErrCursorClosed    = errors.New("cursor closed")
	ErrTimeout         = errors.New("timeout")

	// Decode errors
	ErrTruncated      = errors.New("truncated frame")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrByteOrder      = errors.New("byte order mismatch")
	ErrTimestamp      = errors.New("timestamp decode failed")
	ErrClockRegressed = errors.New("timestamp regressed")

	// Session and transport errors
	ErrConnectionFailed  = errors.New("connection failed")
	ErrNotConnected      = errors.New("not connected")
	ErrSessionClosed     = errors.New("session is closed")
	ErrCatalogMismatch   = errors.New("channel catalog changed after reconnect")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnsupported       = errors.New("operation not supported")
	ErrInternal          = errors.New("internal error")

	// Post-process errors
	ErrAlreadyInitialized  = errors.New("already initialized")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrOutOfOrderTimestamp = errors.New("out of order timestamp")
	ErrFile                = errors.New("file error")
	ErrNoFile              = errors.New("no such file")
	ErrExternalLibMissing  = errors.New("external library missing")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsDecode returns true if err is a per-frame data error.
func IsDecode(err error) bool {
	return errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrByteOrder) ||
		errors.Is(err, ErrTimestamp)
}

// IsCapacity returns true if err is a buffer capacity error.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrBufferOverrun) ||
		errors.Is(err, ErrBufferFull)
}

// IsFatal returns true if err terminates a session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCatalogMismatch) ||
		errors.Is(err, ErrInternal)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrBufferFull)
}

// ============================================================================
// Error to status mapping
// ============================================================================

// StatusOf maps an error chain to its status code. A nil error is StatusOK.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}

	switch {
	case Is(err, ErrInvalidHandle), Is(err, ErrNotInitialized),
		Is(err, ErrClientNotFound), Is(err, ErrCursorClosed),
		Is(err, ErrAlreadyInitialized), Is(err, ErrAlreadyClosed):
		return StatusInitError

	case Is(err, ErrLimitExceeded):
		return StatusLimitError

	case Is(err, ErrCatalogMismatch), Is(err, ErrBufferOverrun),
		Is(err, ErrNotAcknowledged):
		return StatusSyncConfError

	case Is(err, ErrMultiUsed):
		return StatusMultiUsedError

	case Is(err, ErrIndexOutOfRange), Is(err, ErrNotFound), Is(err, ErrNotWritable):
		return StatusIndexError

	case Is(err, ErrNoFile):
		return StatusNoFile
	case Is(err, ErrFile):
		return StatusFileError

	case Is(err, ErrNotReady), Is(err, ErrTimeout):
		return StatusNotReady

	case Is(err, ErrExternalLibMissing):
		return StatusExternalLibMissing

	case Is(err, ErrNotConnected), Is(err, ErrSessionClosed):
		return StatusNotConnected
	case Is(err, ErrConnectionFailed):
		return StatusConnectionError

	case Is(err, ErrTimestamp), Is(err, ErrClockRegressed), Is(err, ErrOutOfOrderTimestamp):
		return StatusInvalidTimestamp

	case Is(err, ErrTruncated), Is(err, ErrTypeMismatch), Is(err, ErrByteOrder),
		Is(err, ErrBufferFull), Is(err, ErrInternal), Is(err, ErrInvalidState),
		Is(err, ErrInvalidTransition):
		return StatusCoreError

	case Is(err, ErrInvalidArgument):
		return StatusInvalidPointer

	case Is(err, ErrUnsupported):
		return StatusNotImplemented

	default:
		return StatusError
	}
}

// statusError carries an explicit status through an error chain.
type statusError struct {
	status Status
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// WithStatus attaches an explicit status to err, overriding the sentinel mapping.
func WithStatus(err error, status Status) error {
	if err == nil {
		return nil
	}
	return &statusError{status: status, err: err}
}

// ErrorForStatus maps a status code to a representative sentinel error.
func ErrorForStatus(s Status) error {
	switch s {
	case StatusOK:
		return nil
	case StatusConnectionError:
		return ErrConnectionFailed
	case StatusInitError:
		return ErrNotInitialized
	case StatusLimitError:
		return ErrLimitExceeded
	case StatusSyncConfError:
		return ErrCatalogMismatch
	case StatusMultiUsedError:
		return ErrMultiUsed
	case StatusIndexError:
		return ErrIndexOutOfRange
	case StatusFileError:
		return ErrFile
	case StatusNotReady:
		return ErrNotReady
	case StatusExternalLibMissing:
		return ErrExternalLibMissing
	case StatusNotConnected:
		return ErrNotConnected
	case StatusNoFile:
		return ErrNoFile
	case StatusCoreError:
		return ErrInternal
	case StatusInvalidPointer:
		return ErrInvalidArgument
	case StatusNotImplemented:
		return ErrUnsupported
	case StatusInvalidTimestamp:
		return ErrTimestamp
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewIndexError creates an index error with context.
func NewIndexError(what string, index, limit int) error {
	return fmt.Errorf("%s index %d (count %d): %w", what, index, limit, ErrIndexOutOfRange)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
