package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/pkg/llm"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

const pilotText = "Item 4. The Board will evaluate a new literacy curriculum pilot in Q1 2026."

// fakeModel answers classify prompts by looking for the pilot sentence and
// scores every signal 80.
type fakeModel struct {
	mu       sync.Mutex
	calls    int
	keys     []string
	failWith error
}

func (m *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.failWith != nil {
		return "", m.failWith
	}
	if strings.HasPrefix(prompt, "You are scoring") {
		return `{"opportunity_score": 80, "score_breakdown": {"intent_strength": 25}, "summary": "Pilot planned for Q1.", "recommended_next_step": "research_more"}`, nil
	}
	if strings.Contains(prompt, "literacy curriculum pilot") {
		return "```json\n" + `{"category": "pilot_evaluation", "confidence": 0.9, "evidence_snippet": "evaluate a new literacy curriculum pilot", "rationale": "A pilot is planned."}` + "\n```", nil
	}
	return `{"category": "none", "confidence": 0.95, "evidence_snippet": "", "rationale": "Routine business."}`, nil
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeModel) factory() ClientFactory {
	return func(cfg llm.ChatConfig) (llm.Client, error) {
		m.mu.Lock()
		m.keys = append(m.keys, cfg.APIKey)
		m.mu.Unlock()
		return m, nil
	}
}

// testConfig returns defaults rooted in a temp dir with a fast retry budget.
func testConfig(t *testing.T) *config.ScoutConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.LLM.MaxAttempts = 1
	cfg.LLM.InitialBackoff = time.Millisecond
	cfg.LLM.MaxBackoff = time.Millisecond
	cfg.LLM.Timeout = 5 * time.Second
	cfg.Workers.Count = 2
	return cfg
}

func staticConfig(cfg *config.ScoutConfig) func() (*config.ScoutConfig, error) {
	return func() (*config.ScoutConfig, error) {
		c := *cfg
		return &c, nil
	}
}

func testUnits() []signals.Unit {
	date := "2025-12-09"
	return []signals.Unit{
		{ArtifactID: "a1", ChunkID: "a1-0", District: "Springfield USD", MeetingDate: &date, SourceURL: "https://example.org/a1.pdf", Text: pilotText},
		{ArtifactID: "a1", ChunkID: "a1-1", District: "Springfield USD", MeetingDate: &date, SourceURL: "https://example.org/a1.pdf", Text: "The minutes of the prior meeting were approved."},
	}
}

func writeUnits(t *testing.T, path string, units []signals.Unit) {
	t.Helper()
	var buf bytes.Buffer
	for _, u := range units {
		line, err := json.Marshal(u)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// execute runs cmd with args and returns its stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}
