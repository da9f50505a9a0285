package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: no eligible delegate yet, stale read during appointment.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: expired task, invalid input, resource not found.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or contention.
	// Examples: assignment slot already taken, store lock held.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the distribution mechanism.
const (
	// Soft failures, corrected by the rebalance loop.
	ErrCodeNoEligibleDelegates    ErrorCode = "NO_ELIGIBLE_DELEGATES"    // No delegate satisfies scope and capabilities
	ErrCodeNoDelegateAvailable    ErrorCode = "NO_DELEGATE_AVAILABLE"    // Eligible delegates exist but none is live
	ErrCodeStaleAssignment        ErrorCode = "STALE_ASSIGNMENT"         // Report from a delegate that no longer owns the task
	ErrCodeContextVersionConflict ErrorCode = "CONTEXT_VERSION_CONFLICT" // Appointment raced a client context update

	// Hard failures, surfaced to callers.
	ErrCodeTaskExpired       ErrorCode = "TASK_EXPIRED"       // Task passed its expiry before completion
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE" // Delegate reported it cannot run the task

	// Suppressed failures.
	ErrCodeDuplicateDelivery ErrorCode = "DUPLICATE_DELIVERY" // Second delivery for an already-delivered correlation id

	// Generic codes.
	ErrCodeTimeout       ErrorCode = "TIMEOUT"        // Operation timed out
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"    // Backing service temporarily unavailable
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Resource does not exist
	ErrCodeConflict      ErrorCode = "CONFLICT"       // Conflicting operation or state
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Resource already exists
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled
	ErrCodeResourceBusy  ErrorCode = "RESOURCE_BUSY"  // Resource is busy or locked
	ErrCodeInternal      ErrorCode = "INTERNAL"       // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeNoEligibleDelegates, ErrCodeNoDelegateAvailable, ErrCodeStaleAssignment,
		ErrCodeContextVersionConflict, ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeTaskExpired, ErrCodeValidationFailure, ErrCodeDuplicateDelivery,
		ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeAlreadyExists,
		ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeResourceBusy:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// Description returns a human-readable description for the code.
func (c ErrorCode) Description() string {
	switch c {
	case ErrCodeNoEligibleDelegates:
		return "no delegate satisfies the task's scope and capability requirements"
	case ErrCodeNoDelegateAvailable:
		return "eligible delegates exist but none is currently live"
	case ErrCodeStaleAssignment:
		return "report received from a delegate that no longer owns the task"
	case ErrCodeContextVersionConflict:
		return "appointment was based on a stale read of the client context"
	case ErrCodeTaskExpired:
		return "task expired before a result was delivered"
	case ErrCodeValidationFailure:
		return "delegate reported it can no longer execute the task"
	case ErrCodeDuplicateDelivery:
		return "result already delivered for this correlation id"
	case ErrCodeTimeout:
		return "operation timed out"
	case ErrCodeUnavailable:
		return "service temporarily unavailable"
	case ErrCodeNotFound:
		return "resource not found"
	case ErrCodeConflict:
		return "conflicting operation or state"
	case ErrCodeInvalidInput:
		return "invalid input"
	case ErrCodeAlreadyExists:
		return "resource already exists"
	case ErrCodeCanceled:
		return "operation canceled"
	case ErrCodeResourceBusy:
		return "resource is busy"
	default:
		return "internal error"
	}
}
