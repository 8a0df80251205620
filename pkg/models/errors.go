package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass is the fleet-wide error taxonomy. The same labels appear in
// metrics, logs, API responses, and route inbox rows.
type ErrorClass string

// Error classes.
const (
	ErrClassValidation        ErrorClass = "validation_error"
	ErrClassTargetUnavailable ErrorClass = "target_unavailable"
	ErrClassOverloadRejected  ErrorClass = "overload_rejected"
	ErrClassTimeout           ErrorClass = "timeout"
	ErrClassNotFound          ErrorClass = "not_found"
	ErrClassConflict          ErrorClass = "conflict"
	ErrClassInternal          ErrorClass = "internal_error"
)

// Fault is the classified error carried across component boundaries.
// HTTP and tool-call edges translate it exactly once.
type Fault struct {
	Class      ErrorClass
	Message    string
	RetryAfter time.Duration // advisory backoff; zero when not applicable
	Err        error         // wrapped cause, may be nil
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault creates a classified fault with a formatted message.
func NewFault(class ErrorClass, format string, args ...any) *Fault {
	return &Fault{Class: class, Message: fmt.Sprintf(format, args...)}
}

// WrapFault classifies an underlying error.
func WrapFault(class ErrorClass, err error, format string, args ...any) *Fault {
	return &Fault{Class: class, Message: fmt.Sprintf(format, args...), Err: err}
}

// ClassOf extracts the error class from an error chain.
// Unclassified errors are internal_error; nil has no class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrClassTimeout
	}
	return ErrClassInternal
}

// RetryAfterOf returns the advisory backoff carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}
