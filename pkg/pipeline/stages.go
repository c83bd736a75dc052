package pipeline

import (
	"context"
	"errors"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/llm"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/observability"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// invoke runs one contract call inside a model span.
func invoke[T any](ctx context.Context, e *Evaluator, c llm.Contract[T], prompt string) (T, error) {
	ctx, span := e.tracer.StartModelSpan(ctx, c.Name, e.model)
	defer span.End()

	result, err := llm.Invoke(ctx, e.invoker, c, prompt)
	h := observability.NewSpanHelper(span)
	if err != nil {
		code := scerrors.ErrProcessingError
		var ce *scerrors.CallError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		h.SetError(err, string(code), scerrors.IsErrorRetryable(err))
		return result, err
	}
	h.SetSuccess()
	return result, nil
}

func (e *Evaluator) classify(ctx context.Context, st *State, logger logging.Logger) {
	st.enter(StageClassify)

	prompt, err := RenderClassifyPrompt(st.Unit)
	if err != nil {
		st.addError(classifyErrorPrefix + err.Error())
		return
	}
	result, err := invoke(ctx, e, llm.ClassifyContract, prompt)
	if err != nil {
		logger.Error("Classification failed", logging.Err(err))
		st.addError(classifyErrorPrefix + err.Error())
		return
	}

	st.Classification = &result
	observability.SpanHelperFromContext(ctx).SetClassification(string(result.Category), result.Confidence)
	logger.Info("Classified unit",
		logging.F("category", string(result.Category)),
		logging.F("confidence", result.Confidence))
}

// validateEvidence checks the snippet is a verbatim substring of the text.
// It records failures but leaves keep to the router.
func (e *Evaluator) validateEvidence(st *State, logger logging.Logger) {
	st.enter(StageValidateEvidence)

	if err := signals.ValidateEvidence(st.Unit, st.Classification); err != nil {
		if st.Classification != nil {
			logger.Warn("Evidence validation failed", logging.F("snippet", st.Classification.EvidenceSnippet))
		}
		st.addError(err.Error())
	}
}

func (e *Evaluator) score(ctx context.Context, st *State, logger logging.Logger) {
	st.enter(StageScore)

	prompt, err := RenderScorePrompt(st.Unit, *st.Classification)
	if err != nil {
		st.addError(scoreErrorPrefix + err.Error())
		return
	}
	result, err := invoke(ctx, e, llm.ScoreContract, prompt)
	if err != nil {
		logger.Error("Scoring failed", logging.Err(err))
		st.addError(scoreErrorPrefix + err.Error())
		return
	}

	st.Scoring = &result
	observability.SpanHelperFromContext(ctx).SetScore(result.OpportunityScore)
	logger.Info("Scored unit",
		logging.F("score", result.OpportunityScore),
		logging.F("next_step", string(result.RecommendedNextStep)))
}

// normalize is the single commit point: the only stage that sets Keep.
func (e *Evaluator) normalize(st *State, logger logging.Logger) {
	st.enter(StageNormalize)

	if st.Classification == nil || st.Scoring == nil {
		panic("pipeline: normalize reached without classification and scoring for unit " + st.Unit.ChunkID)
	}
	record := signals.NewSignalRecord(st.Unit, *st.Classification, *st.Scoring, e.now())
	st.Record = &record
	st.Keep = true

	logger.Info("Kept signal",
		logging.F("category", string(record.Category)),
		logging.F("score", record.OpportunityScore))
}

func (e *Evaluator) drop(st *State, reason string, logger logging.Logger) {
	st.enter(StageDrop)
	st.Keep = false
	logger.Debug("Dropped unit", logging.F("reason", reason))
}

func (e *Evaluator) errorHandler(st *State, logger logging.Logger) {
	st.enter(StageErrorHandler)
	st.Keep = false
	logger.Warn("Unit failed",
		logging.F("error_count", len(st.errors)),
		logging.F("errors", st.errors))
}
