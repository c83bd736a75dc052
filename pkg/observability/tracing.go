package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for pipeline spans.
const TracerName = "board-signal-scout/pipeline"

// Span attribute keys
const (
	AttrRunID      = "run_id"
	AttrChunkID    = "chunk_id"
	AttrArtifactID = "artifact_id"
	AttrDistrict   = "district"
	AttrStage      = "stage"
	AttrContract   = "contract"
	AttrModel      = "model"
	AttrCategory   = "category"
	AttrConfidence = "confidence"
	AttrScore      = "opportunity_score"
	AttrOutcome    = "outcome"
	AttrErrorCount = "error_count"
	AttrErrorType  = "error_type"
	AttrRetryable  = "retryable"
)

// Span names
const (
	SpanEvaluateUnit = "scout.evaluate_unit"
	SpanStagePrefix  = "scout.stage."
	SpanModelCall    = "scout.model_call"
)

// Tracer starts spans for unit evaluation.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the globally registered tracer provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartUnitSpan starts the root span for one unit's traversal.
func (t *Tracer) StartUnitSpan(ctx context.Context, runID, chunkID, artifactID, district string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanEvaluateUnit,
		trace.WithAttributes(
			attribute.String(AttrChunkID, chunkID),
			attribute.String(AttrArtifactID, artifactID),
			attribute.String(AttrDistrict, district),
		),
	)
	if runID != "" {
		span.SetAttributes(attribute.String(AttrRunID, runID))
	}
	return ctx, span
}

// StartStageSpan starts a span for a pipeline stage.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanStagePrefix+stage,
		trace.WithAttributes(attribute.String(AttrStage, stage)),
	)
}

// StartModelSpan starts a span around a contract invocation.
func (t *Tracer) StartModelSpan(ctx context.Context, contract, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanModelCall,
		trace.WithAttributes(
			attribute.String(AttrContract, contract),
			attribute.String(AttrModel, model),
		),
	)
}

// SpanHelper sets pipeline attributes on a span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SpanHelperFromContext wraps the span carried by ctx.
func SpanHelperFromContext(ctx context.Context) *SpanHelper {
	return &SpanHelper{span: trace.SpanFromContext(ctx)}
}

// SetClassification records the classify result.
func (h *SpanHelper) SetClassification(category string, confidence float64) {
	h.span.SetAttributes(
		attribute.String(AttrCategory, category),
		attribute.Float64(AttrConfidence, confidence),
	)
}

// SetScore records the score result.
func (h *SpanHelper) SetScore(score int) {
	h.span.SetAttributes(attribute.Int(AttrScore, score))
}

// SetOutcome records the terminal state and error count.
func (h *SpanHelper) SetOutcome(outcome string, errorCount int) {
	h.span.SetAttributes(
		attribute.String(AttrOutcome, outcome),
		attribute.Int(AttrErrorCount, errorCount),
	)
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorType string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorType, errorType),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
