package queues

import (
	"context"
	"errors"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
)

// Queue errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMessageNotFound    = errors.New("message not found")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// ErrorCategory categorizes processing errors for retry decisions.
type ErrorCategory string

const (
	// ErrorCategoryTransient indicates a temporary error that should be retried.
	ErrorCategoryTransient ErrorCategory = "transient"
	// ErrorCategoryPermanent indicates an error that will not be resolved by retry.
	ErrorCategoryPermanent ErrorCategory = "permanent"
	// ErrorCategoryDependency indicates an external dependency failure (store, Redis).
	ErrorCategoryDependency ErrorCategory = "dependency"
)

// ProcessingError wraps handler errors with category information.
type ProcessingError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Err      error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should trigger a retry.
func (e *ProcessingError) IsRetryable() bool {
	return e.Category == ErrorCategoryTransient || e.Category == ErrorCategoryDependency
}

// NewTransientError creates a new transient error.
func NewTransientError(code, message string, err error) *ProcessingError {
	return &ProcessingError{Category: ErrorCategoryTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(code, message string, err error) *ProcessingError {
	return &ProcessingError{Category: ErrorCategoryPermanent, Code: code, Message: message, Err: err}
}

// NewDependencyError creates a new dependency error.
func NewDependencyError(code, message string, err error) *ProcessingError {
	return &ProcessingError{Category: ErrorCategoryDependency, Code: code, Message: message, Err: err}
}

// Common error codes.
const (
	ErrorCodeTimeout      = "TIMEOUT"
	ErrorCodeInvalidInput = "INVALID_INPUT"
	ErrorCodeParseError   = "PARSE_ERROR"
	ErrorCodeStoreError   = "STORE_ERROR"
	ErrorCodeCancelled    = "CANCELLED"
	ErrorCodePanic        = "PANIC"
)

// Categorize converts a handler error into a ProcessingError. Errors that are
// already categorized pass through; validation failures are permanent and
// anything else is treated as a dependency failure.
func Categorize(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case scerrors.IsValidation(err), errors.Is(err, ErrInvalidMessage):
		return NewPermanentError(ErrorCodeInvalidInput, "invalid input", err)
	case scerrors.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(ErrorCodeTimeout, "timed out", err)
	default:
		return NewDependencyError(ErrorCodeStoreError, "dependency failed", err)
	}
}
