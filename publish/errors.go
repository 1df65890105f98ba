package publish

import (
	"errors"
	"fmt"
)

// ErrorClass tells the scheduler what to do with a failed publication.
type ErrorClass string

const (
	// ClassRetryable: keep the batch, retry later with the same sequence number.
	ClassRetryable ErrorClass = "RETRYABLE"
	// ClassFatal: the collector rejected the batch by policy (license, quota).
	// The publisher stays disabled until it is configured again.
	ClassFatal ErrorClass = "FATAL"
)

var (
	// ErrDisabled is returned by Publish on a disabled publisher.
	ErrDisabled = errors.New("publisher disabled")
	// ErrQuotaExceeded is a local license check failure.
	ErrQuotaExceeded = errors.New("license quota exceeded")
)

// Error is a classified publication failure.
type Error struct {
	Class      ErrorClass
	StatusCode int // remote status, 0 if none
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as retryable.
func NewRetryable(err error, statusCode int) error {
	return &Error{Class: ClassRetryable, StatusCode: statusCode, Err: err}
}

// NewFatal wraps err as fatal.
func NewFatal(err error, statusCode int) error {
	return &Error{Class: ClassFatal, StatusCode: statusCode, Err: err}
}

// IsFatal reports whether err is a policy rejection. Uses errors.As to handle wrapped errors.
func IsFatal(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class == ClassFatal
	}
	return false
}

// IsRetryable reports whether err should be retried. Unclassified errors
// (including context cancellation) are retryable: the batch is kept.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// classify makes sure every error leaving Publish carries a class.
func classify(err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return NewRetryable(err, 0)
}
