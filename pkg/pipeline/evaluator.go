// Package pipeline runs one unit at a time through the evaluation state
// machine: classify, validate evidence, route, score, route, then normalize,
// drop or error.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otherjamesbrown/board-signal-scout/pkg/llm"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/observability"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/workers"
)

// Evaluator drives units through the pipeline. It holds no per-unit state
// and is safe for concurrent use.
type Evaluator struct {
	invoker *llm.Invoker
	model   string
	policy  atomic.Pointer[signals.Policy]
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	events  *observability.EventEmitter
	now     func() time.Time
}

// Option configures the evaluator.
type Option func(*Evaluator)

// WithPolicy sets the routing thresholds.
func WithPolicy(p signals.Policy) Option {
	return func(e *Evaluator) {
		e.policy.Store(&p)
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithMetrics records stage latency and outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for unit and stage spans.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Evaluator) {
		e.tracer = t
	}
}

// WithEvents publishes an outcome event per unit.
func WithEvents(em *observability.EventEmitter) Option {
	return func(e *Evaluator) {
		e.events = em
	}
}

// WithClock overrides the timestamp source for signal records.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// New creates an evaluator calling the model through invoker.
func New(invoker *llm.Invoker, opts ...Option) *Evaluator {
	e := &Evaluator{
		invoker: invoker,
		logger:  logging.MustGlobal(),
		tracer:  observability.NewTracer(),
		events:  observability.NewEventEmitter(nil),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if named, ok := invoker.Client.(interface{ Model() string }); ok {
		e.model = named.Model()
	}
	p := signals.DefaultPolicy()
	e.policy.Store(&p)

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With(logging.F("component", "evaluator"))
	return e
}

// Policy returns the thresholds currently in effect.
func (e *Evaluator) Policy() signals.Policy {
	return *e.policy.Load()
}

// SetPolicy swaps the thresholds for units that start after the call.
func (e *Evaluator) SetPolicy(p signals.Policy) {
	e.policy.Store(&p)
}

// ContextWithRunID tags ctx so evaluations, logs and events carry runID.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, logging.RunIDKey, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(logging.RunIDKey).(string)
	return id
}

// Evaluate runs u from Start to a terminal state. Stage failures are
// recorded in the result, never returned. It panics only on a broken
// pipeline invariant.
func (e *Evaluator) Evaluate(ctx context.Context, u signals.Unit) *Evaluation {
	start := time.Now()
	runID := runIDFrom(ctx)
	policy := e.Policy()

	ctx = context.WithValue(ctx, logging.UnitIDKey, u.ChunkID)
	ctx, span := e.tracer.StartUnitSpan(ctx, runID, u.ChunkID, u.ArtifactID, u.District)
	defer span.End()
	if traceID := observability.GetTraceID(ctx); traceID != "" {
		ctx = context.WithValue(ctx, logging.TraceIDKey, traceID)
	}
	logger := e.logger.WithContext(ctx)

	st := newState(u)
	dropReason := e.run(ctx, st, policy, logger)

	ev := newEvaluation(st, runID, dropReason, e.now(), time.Since(start))

	helper := observability.NewSpanHelper(span)
	helper.SetOutcome(string(ev.Outcome), len(ev.Errors))
	if ev.Outcome == signals.OutcomeErrored && len(ev.Errors) > 0 {
		helper.SetError(fmt.Errorf("%s", ev.Errors[0]), string(ev.Outcome), false)
	} else {
		helper.SetSuccess()
	}
	e.observe(ctx, ev, logger)
	return ev
}

// run sequences the stages. It returns the drop reason when the unit is dropped.
func (e *Evaluator) run(ctx context.Context, st *State, policy signals.Policy, logger logging.Logger) string {
	e.timed(ctx, st, StageClassify, func(ctx context.Context) { e.classify(ctx, st, logger) })
	e.timed(ctx, st, StageValidateEvidence, func(context.Context) { e.validateEvidence(st, logger) })

	switch policy.AfterValidation(st.errors, st.Classification) {
	case signals.DecisionScore:
	case signals.DecisionDrop:
		reason := "category none"
		if st.Classification.Category != signals.CategoryNone {
			reason = fmt.Sprintf("confidence %.2f below %.2f", st.Classification.Confidence, policy.ConfidenceThreshold)
		}
		e.drop(st, reason, logger)
		return reason
	default:
		e.fail(st, "unroutable classification", logger)
		return ""
	}

	e.timed(ctx, st, StageScore, func(ctx context.Context) { e.score(ctx, st, logger) })

	switch policy.AfterScoring(st.errors, st.Scoring) {
	case signals.DecisionNormalize:
		e.normalize(st, logger)
		return ""
	case signals.DecisionDrop:
		reason := fmt.Sprintf("score %d below %d", st.Scoring.OpportunityScore, policy.ScoreThreshold)
		e.drop(st, reason, logger)
		return reason
	default:
		e.fail(st, "unroutable score", logger)
		return ""
	}
}

// fail routes st to the error handler. A unit never reaches it with an empty
// error list, so reason is recorded when no stage left one.
func (e *Evaluator) fail(st *State, reason string, logger logging.Logger) {
	if len(st.errors) == 0 {
		st.addError(reason)
	}
	e.errorHandler(st, logger)
}

// timed wraps a non-terminal stage in a span and latency metric.
func (e *Evaluator) timed(ctx context.Context, st *State, stage Stage, fn func(ctx context.Context)) {
	ctx, span := e.tracer.StartStageSpan(ctx, string(stage))
	defer span.End()

	before := len(st.errors)
	start := time.Now()
	fn(ctx)
	failed := len(st.errors) > before

	if e.metrics != nil {
		e.metrics.RecordStage(string(stage), time.Since(start), failed)
	}
	helper := observability.NewSpanHelper(span)
	if failed {
		helper.SetError(fmt.Errorf("%s", st.errors[len(st.errors)-1]), string(stage), false)
		return
	}
	helper.SetSuccess()
}

func (e *Evaluator) observe(ctx context.Context, ev *Evaluation, logger logging.Logger) {
	if e.metrics != nil {
		e.metrics.RecordOutcome(string(ev.Outcome))
		if ev.Classification != nil {
			e.metrics.RecordConfidence(ev.Classification.Confidence)
		}
		if ev.Scoring != nil {
			e.metrics.RecordScore(ev.Scoring.OpportunityScore)
		}
	}

	event := observability.NewUnitEvaluatedEvent(ev.RunID, ev.ChunkID, ev.ArtifactID, ev.District, string(ev.Outcome), ev.DurationMs)
	event.TraceID = observability.GetTraceID(ctx)
	event.Errors = ev.Errors
	if ev.Classification != nil {
		event.Category = string(ev.Classification.Category)
	}
	if ev.Scoring != nil {
		score := ev.Scoring.OpportunityScore
		event.OpportunityScore = &score
	}
	if err := e.events.EmitUnitEvaluated(ctx, event); err != nil {
		logger.Warn("Failed to publish evaluation event", logging.Err(err))
	}
}

// BatchStats summarizes an EvaluateBatch run.
type BatchStats struct {
	Total       int `json:"total"`
	Normalized  int `json:"normalized"`
	Dropped     int `json:"dropped"`
	Errored     int `json:"errored"`
	Interrupted int `json:"interrupted"`
}

func (s *BatchStats) add(o signals.Outcome) {
	s.Total++
	switch o {
	case signals.OutcomeNormalized:
		s.Normalized++
	case signals.OutcomeDropped:
		s.Dropped++
	default:
		s.Errored++
	}
}

// EvaluateBatch evaluates units with at most concurrency traversals in
// flight and passes each record to sink. Calls to sink are serialized. A
// panicking unit yields an errored record and the batch continues.
//
// When ctx ends, units not yet started are skipped and units whose
// traversal was cut short are counted as Interrupted and not passed to
// sink, so a later run re-evaluates them. A sink error stops the batch the
// same way and is returned.
func (e *Evaluator) EvaluateBatch(ctx context.Context, units []signals.Unit, concurrency int, sink func(*Evaluation) error) (BatchStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		stats   BatchStats
		sinkErr error
	)

	runErr := workers.Run(ctx, concurrency, units, func(ctx context.Context, i int, u signals.Unit) {
		ev := e.EvaluateSafely(ctx, u)

		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil && ev.Outcome == signals.OutcomeErrored {
			stats.Interrupted++
			return
		}
		stats.add(ev.Outcome)
		if sinkErr != nil {
			return
		}
		if err := sink(ev); err != nil {
			sinkErr = fmt.Errorf("write evaluation %s: %w", ev.ChunkID, err)
			cancel()
		}
	})

	if sinkErr != nil {
		return stats, sinkErr
	}
	return stats, runErr
}

// EvaluateSafely is Evaluate with panic recovery: a unit that crashes the
// pipeline comes back as an errored evaluation.
func (e *Evaluator) EvaluateSafely(ctx context.Context, u signals.Unit) (ev *Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Evaluation panicked",
				logging.F("chunk_id", u.ChunkID),
				logging.F("panic", fmt.Sprint(r)),
				logging.F("stack", string(debug.Stack())))
			ev = failedEvaluation(u, runIDFrom(ctx), fmt.Sprintf("pipeline: %v", r), e.now())
			if e.metrics != nil {
				e.metrics.RecordOutcome(string(ev.Outcome))
			}
		}
	}()
	return e.Evaluate(ctx, u)
}
