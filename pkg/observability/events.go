// Package observability provides metrics, tracing and outcome events for the
// evaluation pipeline.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event channels for Redis pub/sub
const (
	ChannelUnitEvaluated = "events.scout.unit_evaluated"
	ChannelSignalKept    = "events.scout.signal_kept"
	ChannelError         = "events.scout.error"
	ChannelRunCompleted  = "events.scout.run_completed"
)

// UnitEvaluatedEvent is emitted once per unit when it reaches a terminal state.
type UnitEvaluatedEvent struct {
	EventID          string    `json:"event_id"`
	RunID            string    `json:"run_id,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
	ChunkID          string    `json:"chunk_id"`
	ArtifactID       string    `json:"artifact_id"`
	District         string    `json:"district"`
	Outcome          string    `json:"outcome"`
	Category         string    `json:"category,omitempty"`
	OpportunityScore *int      `json:"opportunity_score,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewUnitEvaluatedEvent creates an event with a generated ID.
func NewUnitEvaluatedEvent(runID, chunkID, artifactID, district, outcome string, durationMs int64) *UnitEvaluatedEvent {
	return &UnitEvaluatedEvent{
		EventID:    uuid.New().String(),
		RunID:      runID,
		ChunkID:    chunkID,
		ArtifactID: artifactID,
		District:   district,
		Outcome:    outcome,
		DurationMs: durationMs,
		Timestamp:  time.Now().UTC(),
	}
}

// RunCompletedEvent summarizes a batch run.
type RunCompletedEvent struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Normalized int       `json:"normalized"`
	Dropped    int       `json:"dropped"`
	Errored    int       `json:"errored"`
	Skipped    int       `json:"skipped"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewRunCompletedEvent creates a run summary event.
func NewRunCompletedEvent(runID string, total, normalized, dropped, errored, skipped int, duration time.Duration) *RunCompletedEvent {
	return &RunCompletedEvent{
		EventID:    uuid.New().String(),
		RunID:      runID,
		Total:      total,
		Normalized: normalized,
		Dropped:    dropped,
		Errored:    errored,
		Skipped:    skipped,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
}

// EventPublisher publishes events to a channel.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event interface{}) error
	Close() error
}

// RedisEventPublisher publishes JSON-encoded events through a Redis publish function.
type RedisEventPublisher struct {
	publish func(ctx context.Context, channel string, message interface{}) error
}

// NewRedisEventPublisher creates a publisher using a Redis publish function,
// typically func(ctx, ch, msg) error { return rdb.Publish(ctx, ch, msg).Err() }.
func NewRedisEventPublisher(publishFn func(ctx context.Context, channel string, message interface{}) error) *RedisEventPublisher {
	return &RedisEventPublisher{publish: publishFn}
}

// Publish publishes an event to a Redis channel.
func (p *RedisEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.publish(ctx, channel, data)
}

// Close is a no-op for Redis publisher.
func (p *RedisEventPublisher) Close() error {
	return nil
}

// NoOpEventPublisher discards all events.
type NoOpEventPublisher struct{}

func (p *NoOpEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	return nil
}

func (p *NoOpEventPublisher) Close() error {
	return nil
}

// EventEmitter routes pipeline events to their channels.
type EventEmitter struct {
	publisher EventPublisher
}

// NewEventEmitter creates a new event emitter. A nil publisher discards events.
func NewEventEmitter(publisher EventPublisher) *EventEmitter {
	if publisher == nil {
		publisher = &NoOpEventPublisher{}
	}
	return &EventEmitter{publisher: publisher}
}

// EmitUnitEvaluated publishes the per-unit event, plus ChannelSignalKept or
// ChannelError depending on the outcome.
func (e *EventEmitter) EmitUnitEvaluated(ctx context.Context, event *UnitEvaluatedEvent) error {
	if err := e.publisher.Publish(ctx, ChannelUnitEvaluated, event); err != nil {
		return err
	}
	switch {
	case len(event.Errors) > 0:
		return e.publisher.Publish(ctx, ChannelError, event)
	case event.Outcome == "normalized":
		return e.publisher.Publish(ctx, ChannelSignalKept, event)
	}
	return nil
}

// EmitRunCompleted publishes a run summary.
func (e *EventEmitter) EmitRunCompleted(ctx context.Context, event *RunCompletedEvent) error {
	return e.publisher.Publish(ctx, ChannelRunCompleted, event)
}

// Close closes the underlying publisher.
func (e *EventEmitter) Close() error {
	return e.publisher.Close()
}
