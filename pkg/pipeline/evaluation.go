package pipeline

import (
	"time"

	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// Evaluation is the terminal record for one unit, handed to the exporter and
// the stores. Exactly one is produced per evaluated unit.
type Evaluation struct {
	ChunkID        string                        `json:"chunk_id"`
	ArtifactID     string                        `json:"artifact_id"`
	District       string                        `json:"district"`
	Keep           bool                          `json:"keep"`
	Errors         []string                      `json:"errors"`
	Classification *signals.ClassificationResult `json:"classification,omitempty"`
	Scoring        *signals.ScoringResult        `json:"scoring,omitempty"`
	SignalRecord   *signals.SignalRecord         `json:"signal_record,omitempty"`

	Outcome     signals.Outcome `json:"outcome"`
	DropReason  string          `json:"drop_reason,omitempty"`
	Stages      []Stage         `json:"stages,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
	DurationMs  int64           `json:"duration_ms"`
}

func newEvaluation(st *State, runID, dropReason string, at time.Time, elapsed time.Duration) *Evaluation {
	return &Evaluation{
		ChunkID:        st.Unit.ChunkID,
		ArtifactID:     st.Unit.ArtifactID,
		District:       st.Unit.District,
		Keep:           st.Keep,
		Errors:         st.Errors(),
		Classification: st.Classification,
		Scoring:        st.Scoring,
		SignalRecord:   st.Record,
		Outcome:        st.Outcome(),
		DropReason:     dropReason,
		Stages:         st.Trail(),
		RunID:          runID,
		EvaluatedAt:    at,
		DurationMs:     elapsed.Milliseconds(),
	}
}

// failedEvaluation is the record for a unit whose traversal could not finish.
func failedEvaluation(u signals.Unit, runID, msg string, at time.Time) *Evaluation {
	return &Evaluation{
		ChunkID:     u.ChunkID,
		ArtifactID:  u.ArtifactID,
		District:    u.District,
		Errors:      []string{msg},
		Outcome:     signals.OutcomeErrored,
		RunID:       runID,
		EvaluatedAt: at,
	}
}
