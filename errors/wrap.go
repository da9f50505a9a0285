package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a *Error, its code, category and annotations carry over.
// Otherwise a new Internal error wrapping the original is created.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var fleetErr *Error
	if errors.As(err, &fleetErr) {
		wrapped := &Error{
			code:       fleetErr.code,
			category:   fleetErr.category,
			message:    message,
			cause:      err,
			metadata:   fleetErr.Metadata(),
			retryable:  fleetErr.retryable,
			delegateID: fleetErr.delegateID,
			taskID:     fleetErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// CodeOf extracts the error code from an error chain.
// Returns ErrCodeInternal for non-fleet errors, empty string for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var fleetErr *Error
	if errors.As(err, &fleetErr) {
		return fleetErr.Code()
	}
	return ErrCodeInternal
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var fleetErr *Error
	if errors.As(err, &fleetErr) {
		return fleetErr.Code() == code
	}
	return false
}

// IsRetryable reports whether the error is worth retrying.
// Unknown (non-fleet) errors are not retryable.
func IsRetryable(err error) bool {
	var fleetErr *Error
	if errors.As(err, &fleetErr) {
		return fleetErr.Retryable()
	}
	return false
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need a second errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
