package metadata

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can decide whether to retry,
// alert or degrade to the last known document.
type ErrorKind int

const (
	// ErrTransient indicates a temporary failure (lock timeout, I/O hiccup).
	// The operation can be retried.
	ErrTransient ErrorKind = iota

	// ErrIntegrity indicates malformed or invalid data on disk.
	// Never retried as-is.
	ErrIntegrity

	// ErrInvalidInput indicates a structurally invalid change payload or
	// document supplied by the caller. Not retryable.
	ErrInvalidInput

	// ErrResourceExhausted indicates the lock or temporary file could not be
	// allocated (no space, too many open files).
	ErrResourceExhausted

	// ErrClosed indicates the store has been closed.
	ErrClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransient:
		return "transient"
	case ErrIntegrity:
		return "integrity"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel causes wrapped by StoreError.
var (
	ErrLockTimeout  = errors.New("advisory lock acquisition timed out")
	ErrStoreClosed  = errors.New("store is closed")
	errMissingField = errors.New("required field is missing")
)

// StoreError is the error type returned across the public API.
type StoreError struct {
	// Kind is the error category
	Kind ErrorKind

	// Op is the operation that failed (e.g. "write", "read", "add_changes")
	Op string

	// Path is the sidecar or directory path involved, if any
	Path string

	// Message is a human-readable description
	Message string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.Op + ": " + e.Message
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewError builds a StoreError.
func NewError(kind ErrorKind, op, path, message string, cause error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Path: path, Message: message, Err: cause}
}

// KindOf returns the kind of the first StoreError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err is worth retrying. Unclassified errors are
// treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	k, ok := KindOf(err)
	if !ok {
		return true
	}
	return k == ErrTransient || k == ErrResourceExhausted
}

// FieldError reports a problem with a single document field or change path.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// IsMissingField reports whether err was caused by an absent required field.
func IsMissingField(err error) bool {
	return errors.Is(err, errMissingField)
}
