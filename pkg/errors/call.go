package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode classifies a failed external model call.
type ErrorCode string

const (
	ErrTimeout          ErrorCode = "timeout"
	ErrRateLimit        ErrorCode = "rate_limit"
	ErrModelUnavailable ErrorCode = "model_unavailable"
	ErrContextCancelled ErrorCode = "context_cancelled"
	ErrParseError       ErrorCode = "parse_error"
	ErrContract         ErrorCode = "contract_violation"
	ErrEmptyResponse    ErrorCode = "empty_response"
	ErrAuthentication   ErrorCode = "authentication"
	ErrProcessingError  ErrorCode = "processing_error"
)

// CallError is a structured error for a failed model call.
type CallError struct {
	Code     ErrorCode
	Stage    string
	Message  string
	Attempts int
	Duration time.Duration
	Timeout  time.Duration
	Cause    error
}

func (e *CallError) Error() string {
	if e.Code == ErrTimeout && e.Timeout > 0 {
		return fmt.Sprintf("%s: %s timed out after %d attempt(s) (limit: %s per attempt)", e.Code, e.Stage, e.Attempts, e.Timeout)
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %s after %d attempts", e.Code, e.Message, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// ClassifyError inspects err and returns a *CallError with the matching code.
// Errors that already are a *CallError keep their code; the stage is filled in when empty.
func ClassifyError(err error, stage string) *CallError {
	if err == nil {
		return nil
	}

	var existing *CallError
	if errors.As(err, &existing) {
		if existing.Stage == "" {
			existing.Stage = stage
		}
		return existing
	}

	ce := &CallError{
		Stage: stage,
		Cause: err,
	}

	if errors.Is(err, context.DeadlineExceeded) {
		ce.Code = ErrTimeout
		ce.Message = "operation timed out"
		return ce
	}

	if errors.Is(err, context.Canceled) {
		ce.Code = ErrContextCancelled
		ce.Message = "operation cancelled"
		return ce
	}

	if errors.Is(err, ErrContractViolation) {
		ce.Code = ErrContract
		ce.Message = err.Error()
		return ce
	}

	if errors.Is(err, ErrMissingAPIKey) {
		ce.Code = ErrAuthentication
		ce.Message = err.Error()
		return ce
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "not valid json") || strings.Contains(lower, "invalid character") || strings.Contains(lower, "unexpected end of json"):
		ce.Code = ErrParseError
	case strings.Contains(lower, "empty response") || strings.Contains(lower, "no choices"):
		ce.Code = ErrEmptyResponse
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		ce.Code = ErrAuthentication
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "quota exceeded"):
		ce.Code = ErrRateLimit
	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout"):
		ce.Code = ErrTimeout
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "unavailable") || strings.Contains(lower, "status 500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "504") || strings.Contains(lower, "no such host"):
		ce.Code = ErrModelUnavailable
	default:
		ce.Code = ErrProcessingError
	}
	ce.Message = msg
	return ce
}

// IsTimeout returns true if the error is a classified timeout.
func IsTimeout(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code == ErrTimeout
	}
	return false
}

// IsErrorRetryable returns true if err is a *CallError whose code is registered as retryable.
func IsErrorRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return IsRetryable(ce.Code)
	}
	return false
}
