// Package signals defines the buying-signal data model and the pure decision
// logic of the evaluation pipeline: evidence grounding and threshold routing.
package signals

import "time"

// Category is the intent taxonomy a unit is classified into.
type Category string

const (
	CategoryCurriculumAdoption     Category = "curriculum_adoption"
	CategoryInstructionalMaterials Category = "instructional_materials"
	CategoryPilotEvaluation        Category = "pilot_evaluation"
	CategoryBudgetAllocation       Category = "budget_allocation"
	CategoryVendorDissatisfaction  Category = "vendor_dissatisfaction"
	CategoryLearningGaps           Category = "learning_gaps"
	CategoryPersonalizationPBL     Category = "personalization_pbl"
	CategoryStrategicPlan          Category = "strategic_plan"
	CategoryTeacherWorkload        Category = "teacher_workload"

	// CategoryNone means the unit carries no buying signal.
	CategoryNone Category = "none"
)

var categoryDescriptions = map[Category]string{
	CategoryCurriculumAdoption:     "Adopting, reviewing or replacing a core curriculum",
	CategoryInstructionalMaterials: "Purchasing or evaluating instructional materials and resources",
	CategoryPilotEvaluation:        "Piloting or formally evaluating a program or product",
	CategoryBudgetAllocation:       "Allocating or approving budget for instruction or technology",
	CategoryVendorDissatisfaction:  "Dissatisfaction with a current vendor, product or contract",
	CategoryLearningGaps:           "Concern about achievement gaps, test scores or learning loss",
	CategoryPersonalizationPBL:     "Interest in personalized or project-based learning",
	CategoryStrategicPlan:          "Strategic plan goals touching curriculum or instruction",
	CategoryTeacherWorkload:        "Teacher workload, burnout or planning time concerns",
	CategoryNone:                   "No buying signal",
}

// Categories returns every category in taxonomy order, ending with CategoryNone.
func Categories() []Category {
	return []Category{
		CategoryCurriculumAdoption,
		CategoryInstructionalMaterials,
		CategoryPilotEvaluation,
		CategoryBudgetAllocation,
		CategoryVendorDissatisfaction,
		CategoryLearningGaps,
		CategoryPersonalizationPBL,
		CategoryStrategicPlan,
		CategoryTeacherWorkload,
		CategoryNone,
	}
}

// Valid reports whether c is part of the closed category set.
func (c Category) Valid() bool {
	_, ok := categoryDescriptions[c]
	return ok
}

// Description returns a one-line explanation used in prompts.
func (c Category) Description() string {
	return categoryDescriptions[c]
}

// NextStep is the recommended sales action for a scored signal.
type NextStep string

const (
	NextStepReachOutNow  NextStep = "reach_out_now"
	NextStepResearchMore NextStep = "research_more"
	NextStepMonitor      NextStep = "monitor"
)

// Valid reports whether s is part of the closed next-step set.
func (s NextStep) Valid() bool {
	switch s {
	case NextStepReachOutNow, NextStepResearchMore, NextStepMonitor:
		return true
	}
	return false
}

// Unit is one chunk of extracted meeting-document text. Produced upstream and never mutated.
type Unit struct {
	ArtifactID   string  `json:"artifact_id"`
	ChunkID      string  `json:"chunk_id"`
	District     string  `json:"district"`
	MeetingDate  *string `json:"meeting_date"`
	SourceURL    string  `json:"source_url"`
	BoardPageURL string  `json:"board_page_url"`
	Text         string  `json:"text"`
}

// ClassificationResult is the outcome of the classify stage.
type ClassificationResult struct {
	Category        Category `json:"category"`
	Confidence      float64  `json:"confidence"`
	EvidenceSnippet string   `json:"evidence_snippet"`
	Rationale       string   `json:"rationale"`
}

// ScoreBreakdown holds the four sub-scores, nominally 0-25 each. The sum is not enforced.
type ScoreBreakdown struct {
	IntentStrength  int `json:"intent_strength"`
	TimeWindow      int `json:"time_window"`
	ProductFit      int `json:"eduquest_fit"`
	EvidenceQuality int `json:"evidence_quality"`
}

// Total sums the sub-scores.
func (b ScoreBreakdown) Total() int {
	return b.IntentStrength + b.TimeWindow + b.ProductFit + b.EvidenceQuality
}

// ScoringResult is the outcome of the score stage.
type ScoringResult struct {
	OpportunityScore    int            `json:"opportunity_score"`
	ScoreBreakdown      ScoreBreakdown `json:"score_breakdown"`
	Summary             string         `json:"summary"`
	RecommendedNextStep NextStep       `json:"recommended_next_step"`
}

// SignalRecord is the export-ready projection of a kept unit.
type SignalRecord struct {
	ChunkID             string    `json:"chunk_id"`
	ArtifactID          string    `json:"artifact_id"`
	District            string    `json:"district"`
	MeetingDate         *string   `json:"meeting_date"`
	SourceURL           string    `json:"source_url"`
	BoardPageURL        string    `json:"board_page_url"`
	Category            Category  `json:"category"`
	Confidence          float64   `json:"confidence"`
	OpportunityScore    int       `json:"opportunity_score"`
	EvidenceSnippet     string    `json:"evidence_snippet"`
	Summary             string    `json:"summary"`
	RecommendedNextStep NextStep  `json:"recommended_next_step"`
	Rationale           string    `json:"rationale"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// NewSignalRecord projects unit, classification and scoring into a record stamped with at.
func NewSignalRecord(u Unit, c ClassificationResult, s ScoringResult, at time.Time) SignalRecord {
	var date *string
	if u.MeetingDate != nil {
		d := *u.MeetingDate
		date = &d
	}
	return SignalRecord{
		ChunkID:             u.ChunkID,
		ArtifactID:          u.ArtifactID,
		District:            u.District,
		MeetingDate:         date,
		SourceURL:           u.SourceURL,
		BoardPageURL:        u.BoardPageURL,
		Category:            c.Category,
		Confidence:          c.Confidence,
		OpportunityScore:    s.OpportunityScore,
		EvidenceSnippet:     c.EvidenceSnippet,
		Summary:             s.Summary,
		RecommendedNextStep: s.RecommendedNextStep,
		Rationale:           c.Rationale,
		GeneratedAt:         at,
	}
}

// MeetingDateOr returns the meeting date or fallback when it is absent or empty.
func (u Unit) MeetingDateOr(fallback string) string {
	if u.MeetingDate == nil || *u.MeetingDate == "" {
		return fallback
	}
	return *u.MeetingDate
}
