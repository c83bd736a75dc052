// Package errors provides the domain error types shared across board-signal-scout.
//
// Sentinel errors describe conditions the caller is expected to branch on with
// errors.Is. Failures of the external model call are described by CallError,
// which carries a classified ErrorCode used for retry decisions.
//
// Usage:
//
//	import scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
//
//	if scerrors.IsContractViolation(err) {
//	    // model answered, but not in the agreed shape
//	}
package errors

import "errors"

// Domain errors.
var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input or configuration.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates an operation is not valid for the current pipeline state.
	ErrInvalidState = errors.New("invalid state")

	// ErrContractViolation indicates the model response was parseable but incomplete or mistyped.
	ErrContractViolation = errors.New("contract violation")

	// ErrEvidenceNotGrounded indicates the evidence snippet is not a verbatim substring of the unit text.
	ErrEvidenceNotGrounded = errors.New("evidence not grounded")

	// ErrMissingAPIKey indicates no model provider API key could be resolved.
	ErrMissingAPIKey = errors.New("missing API key")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsContractViolation reports whether any error in err's chain is ErrContractViolation.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

// IsEvidenceNotGrounded reports whether any error in err's chain is ErrEvidenceNotGrounded.
func IsEvidenceNotGrounded(err error) bool {
	return errors.Is(err, ErrEvidenceNotGrounded)
}

// IsMissingAPIKey reports whether any error in err's chain is ErrMissingAPIKey.
func IsMissingAPIKey(err error) bool {
	return errors.Is(err, ErrMissingAPIKey)
}
