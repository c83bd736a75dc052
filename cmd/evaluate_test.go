package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/board-signal-scout/credentials"
	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/store"
)

func evaluateDeps(t *testing.T, model *fakeModel) (*EvaluateCommandDeps, string) {
	t.Helper()
	cfg := testConfig(t)
	writeUnits(t, cfg.Paths.ChunksPath(), testUnits())
	return &EvaluateCommandDeps{
		LoadConfig: staticConfig(cfg),
		NewClient:  model.factory(),
		OpenCredentials: func() (*credentials.Store, error) {
			return nil, errors.New("no credential store in tests")
		},
		Logger: logging.NewNopLogger(),
	}, cfg.Paths.OutputDir
}

func outcomesOf(t *testing.T, path string) map[string]signals.Outcome {
	t.Helper()
	evals, err := store.ReadEvaluations(path, logging.NewNopLogger())
	require.NoError(t, err)
	out := make(map[string]signals.Outcome, len(evals))
	for _, ev := range evals {
		out[ev.ChunkID] = ev.Outcome
	}
	return out
}

func TestEvaluateCommand_Structure(t *testing.T) {
	cmd := NewEvaluateCommand(nil)

	assert.Equal(t, "evaluate", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)
	for _, name := range []string{"input", "output", "limit", "reprocess", "concurrency", "store", "metrics-out", "api-key", "publish", "confidence-threshold", "score-threshold"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.Equal(t, StoreJSONL, cmd.Flags().Lookup("store").DefValue)
}

func TestEvaluate_WritesOneRecordPerUnit(t *testing.T) {
	model := &fakeModel{}
	deps, dir := evaluateDeps(t, model)

	out, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.NoError(t, err)

	outcomes := outcomesOf(t, filepath.Join(dir, "evaluations.jsonl"))
	assert.Equal(t, map[string]signals.Outcome{
		"a1-0": signals.OutcomeNormalized,
		"a1-1": signals.OutcomeDropped,
	}, outcomes)
	assert.Contains(t, out, "evaluated 2 unit(s)")
	assert.Contains(t, out, "Kept:        1")
	assert.Contains(t, out, "Dropped:     1")
	assert.Contains(t, out, "Model calls: ok=3")
	assert.Equal(t, []string{"sk-test"}, model.keys)
}

func TestEvaluate_SkipsEvaluatedUnits(t *testing.T) {
	model := &fakeModel{}
	deps, dir := evaluateDeps(t, model)

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.NoError(t, err)
	calls := model.Calls()

	out, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.NoError(t, err)
	assert.Contains(t, out, "No new chunks to evaluate (2 already evaluated).")
	assert.Equal(t, calls, model.Calls(), "no model calls on a rerun")
	assert.Len(t, outcomesOf(t, filepath.Join(dir, "evaluations.jsonl")), 2)
}

func TestEvaluate_ReprocessRewritesOutput(t *testing.T) {
	model := &fakeModel{}
	deps, dir := evaluateDeps(t, model)
	output := filepath.Join(dir, "evaluations.jsonl")

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.NoError(t, err)
	_, err = execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--reprocess")
	require.NoError(t, err)

	evals, err := store.ReadEvaluations(output, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Len(t, evals, 2, "reprocess truncates instead of appending")
}

func TestEvaluate_LimitAppliesBeforeSkip(t *testing.T) {
	model := &fakeModel{}
	deps, dir := evaluateDeps(t, model)

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--limit", "1")
	require.NoError(t, err)
	assert.Len(t, outcomesOf(t, filepath.Join(dir, "evaluations.jsonl")), 1)

	out, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "No new chunks to evaluate (1 already evaluated).")
}

func TestEvaluate_ScoreThresholdOverride(t *testing.T) {
	model := &fakeModel{}
	deps, dir := evaluateDeps(t, model)

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--score-threshold", "90")
	require.NoError(t, err)
	assert.Equal(t, signals.OutcomeDropped, outcomesOf(t, filepath.Join(dir, "evaluations.jsonl"))["a1-0"])
}

func TestEvaluate_InvalidThreshold(t *testing.T) {
	deps, _ := evaluateDeps(t, &fakeModel{})

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--confidence-threshold", "1.5")
	assert.ErrorIs(t, err, scerrors.ErrValidation)
}

func TestEvaluate_ModelFailuresAreRecorded(t *testing.T) {
	model := &fakeModel{failWith: errors.New("model API status 400 (Bad Request): bad prompt")}
	deps, dir := evaluateDeps(t, model)

	out, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.NoError(t, err)
	for id, outcome := range outcomesOf(t, filepath.Join(dir, "evaluations.jsonl")) {
		assert.Equal(t, signals.OutcomeErrored, outcome, id)
	}
	assert.Contains(t, out, "Errored:     2")
}

func TestEvaluate_MissingInput(t *testing.T) {
	deps, dir := evaluateDeps(t, &fakeModel{})
	require.NoError(t, os.Remove(filepath.Join(dir, "chunks.jsonl")))

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunks file not found")
}

func TestEvaluate_EmptyInput(t *testing.T) {
	model := &fakeModel{}
	deps, dir := evaluateDeps(t, model)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunks.jsonl"), nil, 0o644))

	out, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test")
	require.NoError(t, err)
	assert.Contains(t, out, "No chunks found to evaluate.")
	assert.Zero(t, model.Calls())
}

func TestEvaluate_MissingAPIKey(t *testing.T) {
	deps, _ := evaluateDeps(t, &fakeModel{})

	_, err := execute(t, NewEvaluateCommand(deps))
	assert.ErrorIs(t, err, scerrors.ErrMissingAPIKey)
}

func TestEvaluate_UnknownStore(t *testing.T) {
	deps, _ := evaluateDeps(t, &fakeModel{})

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--store", "sqlite")
	assert.ErrorIs(t, err, scerrors.ErrValidation)
}

func TestEvaluate_MetricsTextfile(t *testing.T) {
	deps, dir := evaluateDeps(t, &fakeModel{})
	metrics := filepath.Join(dir, "metrics", "evaluate.prom")

	_, err := execute(t, NewEvaluateCommand(deps), "--api-key", "sk-test", "--metrics-out", metrics)
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "outcome")
}

func TestPendingUnits(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "evaluations.jsonl")
	require.NoError(t, os.WriteFile(output, []byte(`{"chunk_id":"a1-0","outcome":"dropped"}`+"\n"), 0o644))
	units := testUnits()

	pending, skipped, err := pendingUnits(t.Context(), units, false, output, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, pending, 1)
	assert.Equal(t, "a1-1", pending[0].ChunkID)

	pending, skipped, err = pendingUnits(t.Context(), units, true, output, nil)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, pending, 2)
}

func TestPrintEvaluateSummary_FailureHints(t *testing.T) {
	var buf bytes.Buffer
	stats := pipeline.BatchStats{Total: 3, Normalized: 2, Errored: 1}
	attempts := map[string]float64{"ok": 2, "timeout": 1}

	printEvaluateSummary(&buf, "run-1", stats, 0, 2*time.Second, attempts, "out.jsonl")
	out := buf.String()

	assert.Contains(t, out, "Model calls: ok=2 timeout=1")
	assert.Contains(t, out, "  timeout: "+scerrors.GetDescription(scerrors.ErrTimeout))
	assert.Contains(t, out, "Suggested action: "+scerrors.GetSuggestedAction(scerrors.ErrTimeout))
	assert.NotContains(t, out, "ok: ")
}
