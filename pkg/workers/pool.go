// Package workers runs evaluation work: a queue-consuming pool for
// distributed runs and a bounded local fan-out for batch runs.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/queues"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// MessageHandler processes a queue message.
type MessageHandler func(ctx context.Context, msg queues.Message) error

// QueueMetrics receives queue activity. *observability.Metrics implements it.
type QueueMetrics interface {
	RecordQueueDepth(queue string, depth int64)
	RecordQueueWait(queue string, wait time.Duration)
	RecordDLQItem(queue, errorType string)
}

// WorkerConfig configures a worker.
type WorkerConfig struct {
	Count             int           `yaml:"count"`
	QueueName         string        `yaml:"queue_name"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DefaultWorkerConfig returns the default evaluation worker configuration.
// Units are evaluated one at a time per worker; Count bounds concurrent
// model calls.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Count:             4,
		QueueName:         queues.DefaultQueueName,
		BatchSize:         1,
		VisibilityTimeout: 10 * time.Minute,
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   2 * time.Minute,
	}
}

// Worker represents a single worker processing messages.
type Worker struct {
	ID        string
	Config    WorkerConfig
	Queue     queues.Queue
	Handler   MessageHandler
	StartedAt time.Time

	status       atomic.Value // WorkerStatus
	lastActivity atomic.Int64 // unix nanos

	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64

	logger  logging.Logger
	metrics QueueMetrics

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker creates a new worker. logger and metrics may be nil.
func NewWorker(config WorkerConfig, queue queues.Queue, handler MessageHandler, logger logging.Logger, metrics QueueMetrics) *Worker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ID:         uuid.New().String(),
		Config:     config,
		Queue:      queue,
		Handler:    handler,
		metrics:    metrics,
		ctx:        ctx,
		cancelFunc: cancel,
	}
	w.logger = logger.With(logging.F("worker_id", w.ID))
	w.status.Store(WorkerStatusStarting)
	return w
}

// Status returns the worker's current status.
func (w *Worker) Status() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

// LastActivity returns when the worker last picked up a message.
func (w *Worker) LastActivity() time.Time {
	n := w.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins processing messages.
func (w *Worker) Start() {
	w.StartedAt = time.Now()
	w.status.Store(WorkerStatusHealthy)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		w.processLoop()
	}()
}

// Stop stops polling and waits for the in-flight message, up to ShutdownTimeout.
func (w *Worker) Stop() {
	w.status.Store(WorkerStatusDraining)
	w.cancelFunc()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.Config.ShutdownTimeout):
		w.logger.Warn("Worker did not drain before shutdown timeout")
	}
	w.status.Store(WorkerStatusStopped)
}

func (w *Worker) processLoop() {
	for {
		if w.ctx.Err() != nil {
			return
		}

		messages, err := w.Queue.Dequeue(w.ctx, w.Config.BatchSize, w.Config.PollInterval)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Warn("Dequeue failed", logging.Err(err))
			select {
			case <-time.After(w.Config.PollInterval):
			case <-w.ctx.Done():
				return
			}
			continue
		}

		for _, qm := range messages {
			w.processMessage(qm)
		}
	}
}

// processMessage runs the handler detached from the worker's own context so
// Stop lets an in-flight evaluation finish instead of cancelling it halfway.
func (w *Worker) processMessage(qm *queues.QueuedMessage) {
	w.lastActivity.Store(time.Now().UnixNano())
	ctx := context.Background()
	queueName := w.Queue.Name()

	if w.metrics != nil && !qm.EnqueuedAt.IsZero() {
		w.metrics.RecordQueueWait(queueName, time.Since(qm.EnqueuedAt))
	}

	msg, err := qm.ParseMessage()
	if err != nil {
		w.logger.Error("Unparseable queue message", logging.F("message_id", qm.ID), logging.Err(err))
		w.deadLetter(ctx, qm.ID, fmt.Sprintf("parse error: %v", err), queues.ErrorCodeParseError)
		w.FailedCount.Add(1)
		return
	}

	timeout := w.Config.VisibilityTimeout - 10*time.Second
	if timeout <= 0 {
		timeout = w.Config.VisibilityTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := w.handle(handlerCtx, msg); err != nil {
		w.FailedCount.Add(1)
		procErr := queues.Categorize(err)
		logger := w.logger.With(
			logging.F("message_id", qm.ID),
			logging.F("chunk_id", msg.GetChunkID()),
			logging.F("category", string(procErr.Category)))

		if procErr.IsRetryable() {
			logger.Warn("Handler failed, message will be retried", logging.Err(err))
			if nackErr := w.Queue.Nack(ctx, qm.ID); nackErr != nil {
				logger.Error("Nack failed", logging.Err(nackErr))
			}
			return
		}
		logger.Error("Handler failed permanently", logging.Err(err))
		w.deadLetter(ctx, qm.ID, procErr.Error(), procErr.Code)
		return
	}

	if err := w.Queue.Ack(ctx, qm.ID); err != nil {
		w.logger.Error("Ack failed", logging.F("message_id", qm.ID), logging.Err(err))
	}
	w.ProcessedCount.Add(1)
}

// handle calls the handler, turning a panic into a permanent error so one
// message cannot take the worker down.
func (w *Worker) handle(ctx context.Context, msg queues.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Handler panicked",
				logging.F("chunk_id", msg.GetChunkID()),
				logging.F("panic", fmt.Sprint(r)),
				logging.F("stack", string(debug.Stack())))
			err = queues.NewPermanentError(queues.ErrorCodePanic, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return w.Handler(ctx, msg)
}

func (w *Worker) deadLetter(ctx context.Context, messageID, reason, code string) {
	if err := w.Queue.MoveToDeadLetter(ctx, messageID, reason); err != nil && !errors.Is(err, queues.ErrMessageNotFound) {
		w.logger.Error("Dead-letter failed", logging.F("message_id", messageID), logging.Err(err))
		return
	}
	if w.metrics != nil {
		w.metrics.RecordDLQItem(w.Queue.Name(), code)
	}
}

// Pool manages a pool of workers consuming one queue.
type Pool struct {
	Config  WorkerConfig
	Workers []*Worker
	Queue   queues.Queue
	Handler MessageHandler

	logger  logging.Logger
	metrics QueueMetrics

	mu      sync.RWMutex
	stopMon context.CancelFunc
	monDone chan struct{}
}

// NewPool creates a new worker pool. logger and metrics may be nil.
func NewPool(config WorkerConfig, queue queues.Queue, handler MessageHandler, logger logging.Logger, metrics QueueMetrics) *Pool {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if config.Count < 1 {
		config.Count = 1
	}
	return &Pool{
		Config:  config,
		Queue:   queue,
		Handler: handler,
		Workers: make([]*Worker, 0, config.Count),
		logger:  logger.With(logging.F("component", "worker_pool"), logging.F("queue", queue.Name())),
		metrics: metrics,
	}
}

// Start starts all workers in the pool and a depth monitor.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.Config.Count; i++ {
		worker := NewWorker(p.Config, p.Queue, p.Handler, p.logger, p.metrics)
		worker.Start()
		p.Workers = append(p.Workers, worker)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stopMon = cancel
	p.monDone = make(chan struct{})
	go p.monitorDepth(ctx)

	p.logger.Info("Worker pool started", logging.F("workers", p.Config.Count))
}

func (p *Pool) monitorDepth(ctx context.Context) {
	defer close(p.monDone)
	interval := p.Config.PollInterval * 10
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.Queue.Depth(ctx)
			if err != nil {
				continue
			}
			if p.metrics != nil {
				p.metrics.RecordQueueDepth(p.Queue.Name(), depth)
			}
		}
	}
}

// Stop gracefully stops all workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopMon != nil {
		p.stopMon()
		<-p.monDone
		p.stopMon = nil
	}

	var wg sync.WaitGroup
	for _, worker := range p.Workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(worker)
	}
	wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Queue:       p.Queue.Name(),
		WorkerCount: len(p.Workers),
	}
	for _, w := range p.Workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Queue       string `json:"queue"`
	WorkerCount int    `json:"worker_count"`
	ActiveCount int    `json:"active_count"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}
