package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// LogEntry is a single log line handed to a Sink.
type LogEntry struct {
	RunID     string
	Timestamp time.Time
	Level     string
	Service   string
	Message   string
	Fields    map[string]string
	TraceID   string
	Caller    string
}

// LogWriter persists batches of entries, e.g. to the pipeline_logs table.
type LogWriter interface {
	WriteBatch(ctx context.Context, entries []LogEntry) error
}

// Sink receives log entries.
type Sink interface {
	// Write queues a log entry for async processing.
	Write(entry LogEntry)
	// Flush blocks until all queued entries are written.
	Flush(ctx context.Context) error
	// Close drains the queue and stops the sink.
	Close() error
}

// BufferedSink batches entries on a background goroutine and hands them to a LogWriter.
// Write never blocks; entries are dropped with a stderr notice when the buffer is full.
type BufferedSink struct {
	writer       LogWriter
	entries      chan LogEntry
	flushReq     chan chan error
	interval     time.Duration
	batchSize    int
	flushTimeout time.Duration

	wg     sync.WaitGroup
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// BufferedSinkConfig configures a BufferedSink.
type BufferedSinkConfig struct {
	Writer LogWriter
	// BufferSize is the channel capacity (default: 1000).
	BufferSize int
	// BatchSize is the max entries per batch write (default: 100).
	BatchSize int
	// FlushInterval is how often buffered entries are written (default: 2s).
	FlushInterval time.Duration
}

// NewBufferedSink starts a sink writing to cfg.Writer.
func NewBufferedSink(cfg BufferedSinkConfig) *BufferedSink {
	if cfg.Writer == nil {
		panic("BufferedSink requires a non-nil Writer")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}

	s := &BufferedSink{
		writer:       cfg.Writer,
		entries:      make(chan LogEntry, cfg.BufferSize),
		flushReq:     make(chan chan error),
		interval:     cfg.FlushInterval,
		batchSize:    cfg.BatchSize,
		flushTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Write queues entry without blocking.
func (s *BufferedSink) Write(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.entries <- entry:
	default:
		fmt.Fprintf(os.Stderr, "[BufferedSink] buffer full, dropping log entry: %s\n", entry.Message)
	}
}

// Flush writes everything queued so far.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	errCh := make(chan error, 1)
	select {
	case s.flushReq <- errCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.flushTimeout):
		return fmt.Errorf("flush timeout after %v", s.flushTimeout)
	}
}

// Close drains pending entries and waits for the background goroutine.
func (s *BufferedSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *BufferedSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, s.batchSize)

	// drain moves whatever is already queued into batch, flushing full batches.
	drain := func() {
		for {
			select {
			case entry := <-s.entries:
				batch = append(batch, entry)
				if len(batch) >= s.batchSize {
					s.write(batch)
					batch = batch[:0]
				}
			default:
				return
			}
		}
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.write(batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case entry := <-s.entries:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case errCh := <-s.flushReq:
			drain()
			errCh <- flush()

		case <-s.done:
			drain()
			flush()
			return
		}
	}
}

func (s *BufferedSink) write(entries []LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()

	if err := s.writer.WriteBatch(ctx, entries); err != nil {
		fmt.Fprintf(os.Stderr, "[BufferedSink] failed to write batch of %d entries: %v\n", len(entries), err)
		return err
	}
	return nil
}

// getCaller returns file:line for the frame skip levels up.
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
