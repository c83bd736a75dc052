package signals

import (
	"fmt"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
)

// Default thresholds.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultScoreThreshold      = 50
)

// Decision is the next stage chosen by a router.
type Decision string

const (
	DecisionScore     Decision = "score"
	DecisionDrop      Decision = "drop"
	DecisionError     Decision = "error_handler"
	DecisionNormalize Decision = "normalize"
)

// Outcome is the terminal state of one unit's traversal.
type Outcome string

const (
	OutcomeNormalized Outcome = "normalized"
	OutcomeDropped    Outcome = "dropped"
	OutcomeErrored    Outcome = "errored"
)

// Policy holds the routing thresholds.
type Policy struct {
	// ConfidenceThreshold is the minimum classification confidence to proceed to scoring (inclusive).
	ConfidenceThreshold float64 `yaml:"confidence"`
	// ScoreThreshold is the minimum opportunity score to keep a signal (inclusive).
	ScoreThreshold int `yaml:"score"`
}

// DefaultPolicy returns the 0.7 / 50 policy.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		ScoreThreshold:      DefaultScoreThreshold,
	}
}

// Validate checks the thresholds are in range.
func (p Policy) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold must be within [0,1], got %v", scerrors.ErrValidation, p.ConfidenceThreshold)
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 100 {
		return fmt.Errorf("%w: score threshold must be within [0,100], got %d", scerrors.ErrValidation, p.ScoreThreshold)
	}
	return nil
}

// AfterValidation routes a unit once evidence validation has run.
// Precedence: errors, missing classification, category none, low confidence, then score.
func (p Policy) AfterValidation(errs []string, c *ClassificationResult) Decision {
	switch {
	case len(errs) > 0:
		return DecisionError
	case c == nil:
		return DecisionError
	case c.Category == CategoryNone:
		return DecisionDrop
	case c.Confidence < p.ConfidenceThreshold:
		return DecisionDrop
	case c.Category.Valid():
		return DecisionScore
	default:
		return DecisionError
	}
}

// AfterScoring routes a unit once the score stage has run.
// A reach_out_now recommendation keeps the signal even below the score threshold.
func (p Policy) AfterScoring(errs []string, s *ScoringResult) Decision {
	switch {
	case len(errs) > 0:
		return DecisionError
	case s == nil:
		return DecisionError
	case s.OpportunityScore >= p.ScoreThreshold:
		return DecisionNormalize
	case s.RecommendedNextStep == NextStepReachOutNow:
		return DecisionNormalize
	default:
		return DecisionDrop
	}
}
