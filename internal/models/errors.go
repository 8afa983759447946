package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure. Every user-visible error is one of
// these kinds plus a human-readable message; raw library errors stay internal.
type ErrorKind string

const (
	// ErrInvalidInput marks a malformed, oversized, or unsupported document.
	ErrInvalidInput ErrorKind = "INVALID_INPUT"
	// ErrTransientPage marks a single page that failed to render or OCR. It is
	// retried at page granularity and never fails the whole job.
	ErrTransientPage ErrorKind = "TRANSIENT_PAGE"
	// ErrResourceExhausted marks pool saturation or admission rejection.
	ErrResourceExhausted ErrorKind = "RESOURCE_EXHAUSTED"
	// ErrNotFound marks a status/cancel request for an unknown or expired job.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrCacheCompute marks a failure of the external scoring engine.
	ErrCacheCompute ErrorKind = "CACHE_COMPUTE"
	// ErrInternal is the fallback kind for unclassified errors.
	ErrInternal ErrorKind = "INTERNAL"
)

// PipelineError carries an ErrorKind, a caller-safe message, and the wrapped
// cause for logs.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError constructs a PipelineError.
func NewError(kind ErrorKind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: cause}
}

// Errorf constructs a PipelineError with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Unclassified
// errors report ErrInternal.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}

// MessageOf returns the caller-safe message from err, or a generic fallback
// for unclassified errors.
func MessageOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "internal error"
}
