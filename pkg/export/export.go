// Package export turns kept evaluations into the CSV, JSON and Markdown
// reports handed to the sales team.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// dedupPrefix is how many runes of the evidence snippet take part in the dedup key.
const dedupPrefix = 100

// KeptSignals returns the signal record of every kept evaluation, in input order.
func KeptSignals(evals []*pipeline.Evaluation) []signals.SignalRecord {
	var out []signals.SignalRecord
	for _, ev := range evals {
		if ev == nil || !ev.Keep || ev.SignalRecord == nil {
			continue
		}
		out = append(out, *ev.SignalRecord)
	}
	return out
}

type dedupKey struct {
	artifactID string
	category   signals.Category
	evidence   string
}

func keyOf(r signals.SignalRecord) dedupKey {
	ev := []rune(r.EvidenceSnippet)
	if len(ev) > dedupPrefix {
		ev = ev[:dedupPrefix]
	}
	return dedupKey{artifactID: r.ArtifactID, category: r.Category, evidence: string(ev)}
}

// Deduplicate keeps one record per (artifact, category, evidence prefix): the
// one with the highest score, the earliest on ties. Groups keep the order in
// which they were first seen.
func Deduplicate(recs []signals.SignalRecord) []signals.SignalRecord {
	index := make(map[dedupKey]int)
	var out []signals.SignalRecord
	for _, r := range recs {
		k := keyOf(r)
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, r)
			continue
		}
		if r.OpportunityScore > out[i].OpportunityScore {
			out[i] = r
		}
	}
	return out
}

// SortByScore orders records by opportunity score, highest first. Equal
// scores keep their relative order.
func SortByScore(recs []signals.SignalRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].OpportunityScore > recs[j].OpportunityScore
	})
}

// Prepare runs KeptSignals, Deduplicate and SortByScore.
func Prepare(evals []*pipeline.Evaluation) []signals.SignalRecord {
	recs := Deduplicate(KeptSignals(evals))
	SortByScore(recs)
	return recs
}

// Paths names the report files. An empty path skips that format.
type Paths struct {
	CSV      string
	JSON     string
	Markdown string
}

// WriteFiles renders recs into every non-empty path, creating parent directories.
func WriteFiles(recs []signals.SignalRecord, paths Paths, opts MarkdownOptions) error {
	writers := []struct {
		path  string
		write func(f *os.File) error
	}{
		{paths.CSV, func(f *os.File) error { return WriteCSV(f, recs) }},
		{paths.JSON, func(f *os.File) error { return WriteJSON(f, recs) }},
		{paths.Markdown, func(f *os.File) error { return WriteMarkdown(f, recs, opts) }},
	}
	for _, w := range writers {
		if w.path == "" {
			continue
		}
		if err := writeFile(w.path, w.write); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
