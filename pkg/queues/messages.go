// Package queues provides the Redis work queue that distributes units to
// evaluation workers.
package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// Priority levels for queue messages.
type Priority int

const (
	PriorityLow    Priority = 0 // Reprocessing
	PriorityNormal Priority = 1 // Batch enqueue
	PriorityHigh   Priority = 2 // Manual single-unit runs
)

// MessageType identifies the type of queue message.
type MessageType string

const (
	MessageTypeEvaluate MessageType = "evaluate"
)

// Message is the base interface for all queue messages.
type Message interface {
	GetChunkID() string
	GetRunID() string
	GetPriority() Priority
	GetMessageType() MessageType
}

// EvaluateMessage asks a worker to run one unit through the pipeline.
type EvaluateMessage struct {
	RunID      string       `json:"run_id"`
	Unit       signals.Unit `json:"unit"`
	Priority   Priority     `json:"priority"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

func (m *EvaluateMessage) GetChunkID() string          { return m.Unit.ChunkID }
func (m *EvaluateMessage) GetRunID() string            { return m.RunID }
func (m *EvaluateMessage) GetPriority() Priority       { return m.Priority }
func (m *EvaluateMessage) GetMessageType() MessageType { return MessageTypeEvaluate }

// Validate rejects messages a worker could never evaluate.
func (m *EvaluateMessage) Validate() error {
	if m.Unit.ChunkID == "" {
		return fmt.Errorf("%w: chunk_id is required", ErrInvalidMessage)
	}
	return nil
}

// QueuedMessage wraps a message with queue metadata.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Message      json.RawMessage `json:"message"`
	MessageType  MessageType     `json:"message_type"`
	Priority     Priority        `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
}

// ParseMessage parses the raw message based on message type.
func (qm *QueuedMessage) ParseMessage() (Message, error) {
	switch qm.MessageType {
	case MessageTypeEvaluate:
		var msg EvaluateMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

// DeadLetter is a message parked after exhausting retries or failing permanently.
type DeadLetter struct {
	Message   string    `json:"message"`
	Reason    string    `json:"reason"`
	MovedAt   time.Time `json:"moved_at"`
	QueueName string    `json:"queue_name"`
}

// Queue defines the interface for a message queue.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a message to the queue.
	Enqueue(ctx context.Context, msg Message) error

	// EnqueueBatch adds multiple messages to the queue.
	EnqueueBatch(ctx context.Context, msgs []Message) error

	// Dequeue retrieves up to maxMessages, waiting at most timeout for the first.
	Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error)

	// Ack acknowledges successful processing of a message.
	Ack(ctx context.Context, messageID string) error

	// Nack indicates processing failure, message will be retried.
	Nack(ctx context.Context, messageID string) error

	// MoveToDeadLetter moves a message to the dead letter queue.
	MoveToDeadLetter(ctx context.Context, messageID string, reason string) error

	// Depth returns the number of messages waiting, including delayed retries.
	Depth(ctx context.Context) (int64, error)

	// DeadLetterDepth returns the number of dead-lettered messages.
	DeadLetterDepth(ctx context.Context) (int64, error)

	// Close releases queue resources.
	Close() error
}

// QueueConfig configures queue behavior.
type QueueConfig struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	Retry             RetryPolicy   `yaml:"retry"`
}

// DefaultQueueName is the queue workers consume unless configured otherwise.
const DefaultQueueName = "signals:evaluate"

// DefaultQueueConfig returns the configuration for the named queue. Model
// calls dominate processing time, so the visibility timeout covers a full
// retry budget of both calls.
func DefaultQueueConfig(name string) QueueConfig {
	if name == "" {
		name = DefaultQueueName
	}
	return QueueConfig{
		Name:              name,
		VisibilityTimeout: 10 * time.Minute,
		RetentionPeriod:   7 * 24 * time.Hour,
		Retry:             DefaultRetryPolicy(),
	}
}

// Verify interface compliance
var _ Message = (*EvaluateMessage)(nil)
