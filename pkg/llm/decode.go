package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// ContractError reports a reply that parsed as JSON but does not fit the contract.
type ContractError struct {
	Contract string
	Field    string
	Reason   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s field %s in %s response", e.Reason, e.Field, e.Contract)
}

func (e *ContractError) Unwrap() error { return scerrors.ErrContractViolation }

// ClassifyContract decodes the classify reply.
var ClassifyContract = Contract[signals.ClassificationResult]{
	Name:   "classify",
	Decode: DecodeClassification,
}

// ScoreContract decodes the score reply.
var ScoreContract = Contract[signals.ScoringResult]{
	Name:   "score",
	Decode: DecodeScoring,
}

// DecodeClassification requires category, confidence, evidence_snippet and rationale.
func DecodeClassification(fields map[string]any) (signals.ClassificationResult, error) {
	const name = "classification"
	var out signals.ClassificationResult

	for _, key := range []string{"category", "confidence", "evidence_snippet", "rationale"} {
		if _, ok := fields[key]; !ok {
			return out, &ContractError{Contract: name, Field: key, Reason: "missing required"}
		}
	}

	category, err := stringField(fields, name, "category")
	if err != nil {
		return out, err
	}
	out.Category = signals.Category(strings.TrimSpace(category))
	if !out.Category.Valid() {
		return out, &ContractError{Contract: name, Field: "category", Reason: fmt.Sprintf("unknown value %q for", category)}
	}

	confidence, err := numberField(fields, name, "confidence")
	if err != nil {
		return out, err
	}
	if confidence < 0 || confidence > 1 || math.IsNaN(confidence) {
		return out, &ContractError{Contract: name, Field: "confidence", Reason: fmt.Sprintf("out of range value %v for", confidence)}
	}
	out.Confidence = confidence

	if out.EvidenceSnippet, err = stringField(fields, name, "evidence_snippet"); err != nil {
		return out, err
	}
	if out.Rationale, err = stringField(fields, name, "rationale"); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeScoring requires an integer opportunity_score, summary and
// recommended_next_step. score_breakdown and each of its sub-fields default to 0.
func DecodeScoring(fields map[string]any) (signals.ScoringResult, error) {
	const name = "scoring"
	var out signals.ScoringResult

	for _, key := range []string{"opportunity_score", "summary", "recommended_next_step"} {
		if _, ok := fields[key]; !ok {
			return out, &ContractError{Contract: name, Field: key, Reason: "missing required"}
		}
	}

	score, err := intField(fields, name, "opportunity_score")
	if err != nil {
		return out, err
	}
	out.OpportunityScore = score

	if raw, ok := fields["score_breakdown"]; ok && raw != nil {
		breakdown, ok := raw.(map[string]any)
		if !ok {
			return out, &ContractError{Contract: name, Field: "score_breakdown", Reason: "non-object"}
		}
		if out.ScoreBreakdown, err = decodeBreakdown(breakdown); err != nil {
			return out, err
		}
	}

	if out.Summary, err = stringField(fields, name, "summary"); err != nil {
		return out, err
	}

	step, err := stringField(fields, name, "recommended_next_step")
	if err != nil {
		return out, err
	}
	out.RecommendedNextStep = signals.NextStep(strings.TrimSpace(step))
	if !out.RecommendedNextStep.Valid() {
		return out, &ContractError{Contract: name, Field: "recommended_next_step", Reason: fmt.Sprintf("unknown value %q for", step)}
	}
	return out, nil
}

func decodeBreakdown(fields map[string]any) (signals.ScoreBreakdown, error) {
	const name = "score_breakdown"
	var b signals.ScoreBreakdown
	targets := []struct {
		key string
		dst *int
	}{
		{"intent_strength", &b.IntentStrength},
		{"time_window", &b.TimeWindow},
		{"eduquest_fit", &b.ProductFit},
		{"evidence_quality", &b.EvidenceQuality},
	}
	for _, t := range targets {
		if v, ok := fields[t.key]; !ok || v == nil {
			continue
		}
		n, err := intField(fields, name, t.key)
		if err != nil {
			return b, err
		}
		*t.dst = n
	}
	return b, nil
}

func stringField(fields map[string]any, contract, key string) (string, error) {
	s, ok := fields[key].(string)
	if !ok {
		return "", &ContractError{Contract: contract, Field: key, Reason: "non-string"}
	}
	return s, nil
}

// numberField accepts JSON numbers and numeric strings.
func numberField(fields map[string]any, contract, key string) (float64, error) {
	var f float64
	var err error
	switch v := fields[key].(type) {
	case json.Number:
		f, err = v.Float64()
	case float64:
		f = v
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, &ContractError{Contract: contract, Field: key, Reason: "non-numeric"}
	}
	return f, nil
}

// intField accepts integral numbers; 62.0 is fine, 62.5 is not.
func intField(fields map[string]any, contract, key string) (int, error) {
	f, err := numberField(fields, contract, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, &ContractError{Contract: contract, Field: key, Reason: "non-integer"}
	}
	return int(f), nil
}
