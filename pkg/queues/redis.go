package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis sorted sets.
//
// Ready messages live in queue:<name>, ordered by queueScore so ZPOPMIN
// returns the highest priority, oldest message. Nacked messages wait in
// delayed:<name> scored by the time they become visible again and are
// promoted on the next Dequeue.
type RedisQueue struct {
	client *redis.Client
	name   string
	config QueueConfig
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(client *redis.Client, config QueueConfig) *RedisQueue {
	if config.Name == "" {
		config.Name = DefaultQueueName
	}
	return &RedisQueue{
		client: client,
		name:   config.Name,
		config: config,
	}
}

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // Ready messages
	keyPrefixDelayed    = "delayed:"    // Nacked messages waiting for backoff
	keyPrefixProcessing = "processing:" // Messages being processed
	keyPrefixMessage    = "msg:"        // Message data
	keyPrefixDLQ        = "dlq:"        // Dead letter queue
)

// priorityWeight separates priority bands by more than any realistic
// millisecond timestamp, keeping scores exact in a float64.
const priorityWeight = 1e13

// queueScore orders messages by priority (high first), then enqueue time.
func queueScore(p Priority, at time.Time) float64 {
	return float64(at.UnixMilli()) - float64(p)*priorityWeight
}

func (q *RedisQueue) queueKey() string      { return keyPrefixQueue + q.name }
func (q *RedisQueue) delayedKey() string    { return keyPrefixDelayed + q.name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.name }
func (q *RedisQueue) msgKey(id string) string {
	return keyPrefixMessage + q.name + ":" + id
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Enqueue adds a message to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	return q.EnqueueBatch(ctx, []Message{msg})
}

// EnqueueBatch adds multiple messages to the queue in one transaction.
func (q *RedisQueue) EnqueueBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	now := time.Now()

	for _, msg := range msgs {
		qmBytes, id, err := wrapMessage(msg, now)
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.msgKey(id), qmBytes, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: queueScore(msg.GetPriority(), now), Member: id})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return nil
}

func wrapMessage(msg Message, now time.Time) ([]byte, string, error) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal message: %w", err)
	}
	qm := &QueuedMessage{
		ID:          uuid.New().String(),
		Message:     msgBytes,
		MessageType: msg.GetMessageType(),
		Priority:    msg.GetPriority(),
		EnqueuedAt:  now,
	}
	qmBytes, err := json.Marshal(qm)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal queued message: %w", err)
	}
	return qmBytes, qm.ID, nil
}

// Dequeue retrieves messages from the queue, polling until at least one is
// available, timeout elapses or ctx ends.
func (q *RedisQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := time.Now().Add(timeout)

	var messages []*QueuedMessage
	for len(messages) < maxMessages {
		if err := q.promoteDelayed(ctx); err != nil {
			return messages, err
		}

		result, err := q.client.ZPopMin(ctx, q.queueKey(), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return messages, fmt.Errorf("failed to pop from queue: %w", err)
		}
		if len(result) == 0 {
			if len(messages) > 0 || !time.Now().Before(deadline) {
				return messages, nil
			}
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return messages, ctx.Err()
			}
		}

		messageID, _ := result[0].Member.(string)
		qm, err := q.load(ctx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			// Expired past retention.
			continue
		}
		if err != nil {
			return messages, err
		}

		qm.VisibleAfter = time.Now().Add(q.config.VisibilityTimeout)
		updated, _ := json.Marshal(qm)
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(qm.VisibleAfter.UnixMilli()),
			Member: messageID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return messages, fmt.Errorf("failed to move to processing: %w", err)
		}

		messages = append(messages, qm)
	}

	return messages, nil
}

// promoteDelayed moves retries whose backoff has elapsed back to the ready set.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := time.Now()
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed messages: %w", err)
	}
	for _, messageID := range due {
		qm, err := q.load(ctx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			q.client.ZRem(ctx, q.delayedKey(), messageID)
			continue
		}
		if err != nil {
			return err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), messageID)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: queueScore(qm.Priority, now), Member: messageID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to promote delayed message: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, messageID string) (*QueuedMessage, error) {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message data: %w", err)
	}
	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &qm, nil
}

// Ack acknowledges successful processing of a message.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack indicates processing failure. The message is redelivered after the
// retry policy's backoff, or dead-lettered once retries are exhausted.
func (q *RedisQueue) Nack(ctx context.Context, messageID string) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}

	qm.RetryCount++
	decision := q.config.Retry.DecideRetry(nil, qm.RetryCount)
	if !decision.ShouldRetry {
		return q.MoveToDeadLetter(ctx, messageID, decision.Reason)
	}

	qm.VisibleAfter = time.Now().Add(decision.BackoffDuration)
	updated, _ := json.Marshal(qm)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(qm.VisibleAfter.UnixMilli()), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, messageID string, reason string) error {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	now := time.Now().UTC()
	dlqData, _ := json.Marshal(DeadLetter{
		Message:   string(data),
		Reason:    reason,
		MovedAt:   now,
		QueueName: q.name,
	})

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.ZRem(ctx, q.delayedKey(), messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(now.UnixMilli()), Member: string(dlqData)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return nil
}

// Depth returns ready plus delayed messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.queueKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

// InFlight returns the number of messages currently being processed.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.processingKey()).Result()
}

// DeadLetterDepth returns the number of dead-lettered messages.
func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dlqKey()).Result()
}

// DeadLetters returns up to limit dead-lettered messages, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 20
	}
	raw, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, entry := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// RecoverStaleMessages requeues messages whose visibility timeout expired,
// typically because a worker died mid-evaluation. It returns how many
// messages were recovered.
func (q *RedisQueue) RecoverStaleMessages(ctx context.Context) (int, error) {
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale messages: %w", err)
	}

	recovered := 0
	for _, messageID := range stale {
		qm, err := q.load(ctx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			q.client.ZRem(ctx, q.processingKey(), messageID)
			continue
		}
		if err != nil {
			continue
		}

		qm.RetryCount++
		if qm.RetryCount >= q.config.Retry.MaxRetries {
			_ = q.MoveToDeadLetter(ctx, messageID, "visibility timeout exceeded")
			continue
		}

		updated, _ := json.Marshal(qm)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), messageID)
		pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: queueScore(qm.Priority, time.Now()), Member: messageID})
		if _, err := pipe.Exec(ctx); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
