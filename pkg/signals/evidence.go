package signals

import (
	"strings"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
)

// groundingError keeps the exact user-facing message while unwrapping to a sentinel.
type groundingError struct {
	msg      string
	sentinel error
}

func (e *groundingError) Error() string { return e.msg }
func (e *groundingError) Unwrap() error { return e.sentinel }

var (
	// ErrNoClassification is returned when there is nothing to validate.
	ErrNoClassification error = &groundingError{
		msg:      "No classification to validate",
		sentinel: scerrors.ErrInvalidState,
	}

	// ErrSnippetNotFound is returned when the evidence is not a verbatim substring of the unit text.
	ErrSnippetNotFound error = &groundingError{
		msg:      "Evidence snippet not found verbatim in chunk text",
		sentinel: scerrors.ErrEvidenceNotGrounded,
	}
)

// ValidateEvidence checks that the classification's evidence snippet occurs in
// the unit text exactly as written. Matching is case-sensitive with no
// whitespace normalization.
func ValidateEvidence(u Unit, c *ClassificationResult) error {
	if c == nil {
		return ErrNoClassification
	}
	if !strings.Contains(u.Text, c.EvidenceSnippet) {
		return ErrSnippetNotFound
	}
	return nil
}
