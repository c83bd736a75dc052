package pipeline

import (
	"fmt"

	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// Stage names a pipeline step.
type Stage string

const (
	StageClassify         Stage = "classify"
	StageValidateEvidence Stage = "validate_evidence"
	StageScore            Stage = "score"
	StageNormalize        Stage = "normalize"
	StageDrop             Stage = "drop"
	StageErrorHandler     Stage = "error_handler"
)

// Terminal reports whether s ends a traversal.
func (s Stage) Terminal() bool {
	return s == StageNormalize || s == StageDrop || s == StageErrorHandler
}

// Error prefixes recorded by the two model-calling stages. Downstream
// consumers match on them.
const (
	classifyErrorPrefix = "classify_node: "
	scoreErrorPrefix    = "score_node: "
)

// State accumulates one unit's traversal. It is owned by a single Evaluate
// call and never shared between units.
type State struct {
	Unit           signals.Unit
	Classification *signals.ClassificationResult
	Scoring        *signals.ScoringResult
	Record         *signals.SignalRecord
	Keep           bool

	errors []string
	trail  []Stage
}

func newState(u signals.Unit) *State {
	return &State{Unit: u}
}

// Errors returns a copy of the recorded errors in order.
func (s *State) Errors() []string {
	out := make([]string, len(s.errors))
	copy(out, s.errors)
	return out
}

// Trail returns the stages executed so far in order.
func (s *State) Trail() []Stage {
	out := make([]Stage, len(s.trail))
	copy(out, s.trail)
	return out
}

// Terminal returns the terminal stage reached, or "" while the traversal is running.
func (s *State) Terminal() Stage {
	if n := len(s.trail); n > 0 && s.trail[n-1].Terminal() {
		return s.trail[n-1]
	}
	return ""
}

// Outcome maps the terminal stage to the exported outcome.
func (s *State) Outcome() signals.Outcome {
	switch s.Terminal() {
	case StageNormalize:
		return signals.OutcomeNormalized
	case StageDrop:
		return signals.OutcomeDropped
	default:
		return signals.OutcomeErrored
	}
}

func (s *State) addError(msg string) {
	s.errors = append(s.errors, msg)
}

// enter records that stage is about to run. Running a stage twice or running
// anything after a terminal stage is a programming error.
func (s *State) enter(stage Stage) {
	if t := s.Terminal(); t != "" {
		panic(fmt.Sprintf("pipeline: stage %s entered after terminal stage %s for unit %s", stage, t, s.Unit.ChunkID))
	}
	for _, done := range s.trail {
		if done == stage {
			panic(fmt.Sprintf("pipeline: stage %s entered twice for unit %s", stage, s.Unit.ChunkID))
		}
	}
	s.trail = append(s.trail, stage)
}
