package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/store"
)

var exportNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func keptEvaluation(chunkID string, score int) *pipeline.Evaluation {
	return &pipeline.Evaluation{
		ChunkID:    chunkID,
		ArtifactID: "a-" + chunkID,
		District:   "Springfield USD",
		Keep:       true,
		Outcome:    signals.OutcomeNormalized,
		SignalRecord: &signals.SignalRecord{
			District:            "Springfield USD",
			ArtifactID:          "a-" + chunkID,
			ChunkID:             chunkID,
			Category:            signals.CategoryPilotEvaluation,
			Confidence:          0.9,
			OpportunityScore:    score,
			EvidenceSnippet:     "evaluate a new literacy curriculum pilot",
			Summary:             "Pilot planned.",
			RecommendedNextStep: signals.NextStepResearchMore,
		},
	}
}

func writeEvaluations(t *testing.T, path string, evals ...*pipeline.Evaluation) {
	t.Helper()
	w, err := store.OpenEvaluationWriter(path, true)
	require.NoError(t, err)
	for _, ev := range evals {
		require.NoError(t, w.Write(ev))
	}
	require.NoError(t, w.Close())
}

func exportDeps(t *testing.T) (*ExportCommandDeps, string) {
	t.Helper()
	cfg := testConfig(t)
	return &ExportCommandDeps{
		LoadConfig: staticConfig(cfg),
		Now:        func() time.Time { return exportNow },
		Logger:     logging.NewNopLogger(),
	}, cfg.Paths.OutputDir
}

func TestExportCommand_Structure(t *testing.T) {
	cmd := NewExportCommand(nil)

	assert.Equal(t, "export", cmd.Use)
	for _, name := range []string{"from", "input", "csv", "json", "md", "top", "region", "min-score", "category", "district", "run-id", "since", "limit"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestExport_WritesReports(t *testing.T) {
	deps, dir := exportDeps(t)
	dropped := &pipeline.Evaluation{ChunkID: "c9", Outcome: signals.OutcomeDropped}
	writeEvaluations(t, filepath.Join(dir, "evaluations.jsonl"),
		keptEvaluation("c1", 60), dropped, keptEvaluation("c2", 85))

	out, err := execute(t, NewExportCommand(deps), "--region", "Greater Springfield")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 signal(s)")

	data, err := os.ReadFile(filepath.Join(dir, "signals.json"))
	require.NoError(t, err)
	var recs []signals.SignalRecord
	require.NoError(t, json.Unmarshal(data, &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "c2", recs[0].ChunkID, "highest score first")

	assert.FileExists(t, filepath.Join(dir, "signals.csv"))
	md, err := os.ReadFile(filepath.Join(dir, "top_signals.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Greater Springfield")
}

func TestExport_EmptyPathSkipsFormat(t *testing.T) {
	deps, dir := exportDeps(t)
	writeEvaluations(t, filepath.Join(dir, "evaluations.jsonl"), keptEvaluation("c1", 70))

	out, err := execute(t, NewExportCommand(deps), "--md", "")
	require.NoError(t, err)
	assert.NotContains(t, out, "Markdown:")
	assert.NoFileExists(t, filepath.Join(dir, "top_signals.md"))
	assert.FileExists(t, filepath.Join(dir, "signals.csv"))
}

func TestExport_MissingEvaluations(t *testing.T) {
	deps, _ := exportDeps(t)

	_, err := execute(t, NewExportCommand(deps))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluations file not found")
}

func TestExport_UnknownSource(t *testing.T) {
	deps, _ := exportDeps(t)

	_, err := execute(t, NewExportCommand(deps), "--from", "s3")
	assert.ErrorIs(t, err, scerrors.ErrValidation)
}

func TestExportOptions_SignalFilter(t *testing.T) {
	opts := &exportOptions{
		minScore:   70,
		categories: []string{"pilot_evaluation", " budget_allocation "},
		district:   "Springfield",
		runID:      "run-1",
		since:      24 * time.Hour,
		limit:      10,
	}

	f, err := opts.signalFilter(exportNow)
	require.NoError(t, err)
	assert.Equal(t, 70, f.MinScore)
	assert.Equal(t, []signals.Category{signals.CategoryPilotEvaluation, signals.CategoryBudgetAllocation}, f.Categories)
	assert.Equal(t, exportNow.Add(-24*time.Hour), f.Since)
	assert.Equal(t, uint64(10), f.Limit)

	opts.categories = []string{"gardening"}
	_, err = opts.signalFilter(exportNow)
	assert.ErrorIs(t, err, scerrors.ErrValidation)
}
