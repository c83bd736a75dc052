package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// Conn is the subset of *pgxpool.Pool used by Postgres.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres stores evaluations in the evaluations table and run logs in pipeline_logs.
type Postgres struct {
	conn Conn
}

var _ logging.LogWriter = (*Postgres)(nil)

// NewPostgres wraps an open pool. Schema comes from `scout db migrate`.
func NewPostgres(conn Conn) *Postgres {
	return &Postgres{conn: conn}
}

// SaveEvaluation upserts ev keyed by chunk_id; re-evaluating a chunk replaces its row.
func (p *Postgres) SaveEvaluation(ctx context.Context, ev *pipeline.Evaluation) error {
	query, args, err := upsertEvaluation(ev)
	if err != nil {
		return err
	}
	if _, err := p.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert evaluation %s: %w", ev.ChunkID, err)
	}
	return nil
}

func upsertEvaluation(ev *pipeline.Evaluation) (string, []any, error) {
	record, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal evaluation %s: %w", ev.ChunkID, err)
	}
	errs := ev.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return "", nil, fmt.Errorf("marshal errors: %w", err)
	}

	var (
		category   *string
		confidence *float64
		score      *int
		meeting    *string
	)
	if c := ev.Classification; c != nil {
		cat := string(c.Category)
		category, confidence = &cat, &c.Confidence
	}
	if s := ev.Scoring; s != nil {
		score = &s.OpportunityScore
	}
	if r := ev.SignalRecord; r != nil {
		meeting = r.MeetingDate
	}

	return psql.Insert("evaluations").
		Columns("chunk_id", "artifact_id", "run_id", "district", "meeting_date", "keep", "outcome",
			"drop_reason", "category", "confidence", "opportunity_score", "errors", "record", "evaluated_at").
		Values(ev.ChunkID, ev.ArtifactID, ev.RunID, ev.District, meeting, ev.Keep, string(ev.Outcome),
			ev.DropReason, category, confidence, score, string(errsJSON), string(record), ev.EvaluatedAt).
		Suffix(`ON CONFLICT (chunk_id) DO UPDATE SET
			artifact_id = EXCLUDED.artifact_id,
			run_id = EXCLUDED.run_id,
			district = EXCLUDED.district,
			meeting_date = EXCLUDED.meeting_date,
			keep = EXCLUDED.keep,
			outcome = EXCLUDED.outcome,
			drop_reason = EXCLUDED.drop_reason,
			category = EXCLUDED.category,
			confidence = EXCLUDED.confidence,
			opportunity_score = EXCLUDED.opportunity_score,
			errors = EXCLUDED.errors,
			record = EXCLUDED.record,
			evaluated_at = EXCLUDED.evaluated_at,
			updated_at = NOW()`).
		ToSql()
}

// EvaluatedIDs returns every chunk_id with a stored evaluation.
func (p *Postgres) EvaluatedIDs(ctx context.Context) (map[string]bool, error) {
	query, args, err := psql.Select("chunk_id").From("evaluations").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evaluated ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// SignalFilter narrows KeptSignals. Zero values do not filter.
type SignalFilter struct {
	MinScore   int
	Categories []signals.Category
	District   string
	RunID      string
	Since      time.Time
	Limit      uint64
}

// Query builds the SELECT for f, highest score first.
func (f SignalFilter) Query() sq.SelectBuilder {
	q := psql.Select("record->'signal_record'").
		From("evaluations").
		Where(sq.Eq{"keep": true}).
		OrderBy("opportunity_score DESC", "evaluated_at DESC", "chunk_id")
	if f.MinScore > 0 {
		q = q.Where(sq.GtOrEq{"opportunity_score": f.MinScore})
	}
	if len(f.Categories) > 0 {
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = string(c)
		}
		q = q.Where(sq.Eq{"category": cats})
	}
	if f.District != "" {
		q = q.Where(sq.ILike{"district": "%" + f.District + "%"})
	}
	if f.RunID != "" {
		q = q.Where(sq.Eq{"run_id": f.RunID})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"evaluated_at": f.Since})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// KeptSignals returns the signal records of kept evaluations matching f.
func (p *Postgres) KeptSignals(ctx context.Context, f SignalFilter) ([]signals.SignalRecord, error) {
	query, args, err := f.Query().ToSql()
	if err != nil {
		return nil, fmt.Errorf("build signal query: %w", err)
	}
	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []signals.SignalRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		var rec signals.SignalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode signal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OutcomeCounts returns stored evaluations per outcome, optionally for one run.
func (p *Postgres) OutcomeCounts(ctx context.Context, runID string) (map[signals.Outcome]int, error) {
	q := psql.Select("outcome", "COUNT(*)").From("evaluations").GroupBy("outcome")
	if runID != "" {
		q = q.Where(sq.Eq{"run_id": runID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[signals.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[signals.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

var logColumns = []string{"run_id", "logged_at", "level", "service", "message", "fields", "trace_id", "caller"}

// WriteBatch copies log entries into pipeline_logs.
func (p *Postgres) WriteBatch(ctx context.Context, entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows, err := logRows(entries)
	if err != nil {
		return err
	}
	if _, err := p.conn.CopyFrom(ctx, pgx.Identifier{"pipeline_logs"}, logColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy pipeline logs: %w", err)
	}
	return nil
}

func logRows(entries []logging.LogEntry) ([][]any, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		fields := e.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("marshal log fields: %w", err)
		}
		rows = append(rows, []any{e.RunID, e.Timestamp, e.Level, e.Service, e.Message, string(b), e.TraceID, e.Caller})
	}
	return rows, nil
}
