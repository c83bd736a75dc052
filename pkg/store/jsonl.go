// Package store reads pipeline input and persists evaluations, either as
// JSON Lines files or in PostgreSQL.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// maxLineSize bounds a single JSONL record. Chunks are a few KiB; evaluations
// carry the chunk's evidence but not its text.
const maxLineSize = 16 << 20

// ReadUnits loads chunk units from a JSONL file. Blank lines are ignored and
// malformed lines are skipped with a warning. Missing string fields decode to
// "" and an empty meeting_date becomes absent.
func ReadUnits(path string, logger logging.Logger) ([]signals.Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open units: %w", err)
	}
	defer f.Close()
	return DecodeUnits(f, logger)
}

// DecodeUnits is ReadUnits over an arbitrary reader.
func DecodeUnits(r io.Reader, logger logging.Logger) ([]signals.Unit, error) {
	var units []signals.Unit
	err := eachLine(r, func(n int, line []byte) {
		var u signals.Unit
		if err := json.Unmarshal(line, &u); err != nil {
			warnSkipped(logger, "unit", n, err)
			return
		}
		if u.MeetingDate != nil && strings.TrimSpace(*u.MeetingDate) == "" {
			u.MeetingDate = nil
		}
		units = append(units, u)
	})
	return units, err
}

// ReadEvaluations loads evaluation records, skipping malformed lines.
// A missing file yields no records and no error.
func ReadEvaluations(path string, logger logging.Logger) ([]*pipeline.Evaluation, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open evaluations: %w", err)
	}
	defer f.Close()

	var evals []*pipeline.Evaluation
	err = eachLine(f, func(n int, line []byte) {
		var ev pipeline.Evaluation
		if err := json.Unmarshal(line, &ev); err != nil {
			warnSkipped(logger, "evaluation", n, err)
			return
		}
		evals = append(evals, &ev)
	})
	return evals, err
}

// EvaluatedIDs returns the chunk IDs already present in an evaluations file.
// Only chunk_id is decoded so damaged records elsewhere in a line do not matter.
func EvaluatedIDs(path string) (map[string]bool, error) {
	ids := make(map[string]bool)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open evaluations: %w", err)
	}
	defer f.Close()

	err = eachLine(f, func(_ int, line []byte) {
		var rec struct {
			ChunkID string `json:"chunk_id"`
		}
		if json.Unmarshal(line, &rec) == nil && rec.ChunkID != "" {
			ids[rec.ChunkID] = true
		}
	})
	return ids, err
}

func eachLine(r io.Reader, fn func(n int, line []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		fn(n, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read line %d: %w", n+1, err)
	}
	return nil
}

func warnSkipped(logger logging.Logger, kind string, n int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("Skipping malformed line",
		logging.F("kind", kind),
		logging.F("line", n),
		logging.Err(err))
}

// EvaluationWriter appends evaluations to a JSONL file, one per line. Writes
// are serialized and flushed per record so an interrupted run keeps every
// record it finished.
type EvaluationWriter struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	count int
}

// OpenEvaluationWriter opens path for appending, or truncates it when truncate is set.
// Parent directories are created.
func OpenEvaluationWriter(path string, truncate bool) (*EvaluationWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open evaluations for writing: %w", err)
	}
	return &EvaluationWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends ev as one JSON line.
func (w *EvaluationWriter) Write(ev *pipeline.Evaluation) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation %s: %w", ev.ChunkID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("evaluation writer is closed")
	}
	if _, err := w.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write evaluation: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush evaluation: %w", err)
	}
	w.count++
	return nil
}

// SaveEvaluation lets the writer stand in for a database store.
func (w *EvaluationWriter) SaveEvaluation(_ context.Context, ev *pipeline.Evaluation) error {
	return w.Write(ev)
}

// Count returns the number of records written by this writer.
func (w *EvaluationWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the file. It is safe to call more than once.
func (w *EvaluationWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	flushErr := w.w.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
