package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// CSVHeader is the column order of signals.csv.
var CSVHeader = []string{
	"district",
	"meeting_date",
	"category",
	"opportunity_score",
	"confidence",
	"recommended_next_step",
	"summary",
	"evidence_snippet",
	"source_url",
	"board_page_url",
	"artifact_id",
	"chunk_id",
	"rationale",
	"generated_at",
}

// WriteCSV writes a header and one row per record. No records writes nothing.
func WriteCSV(w io.Writer, recs []signals.SignalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range recs {
		date := ""
		if r.MeetingDate != nil {
			date = *r.MeetingDate
		}
		row := []string{
			r.District,
			date,
			string(r.Category),
			strconv.Itoa(r.OpportunityScore),
			strconv.FormatFloat(r.Confidence, 'f', -1, 64),
			string(r.RecommendedNextStep),
			r.Summary,
			r.EvidenceSnippet,
			r.SourceURL,
			r.BoardPageURL,
			r.ArtifactID,
			r.ChunkID,
			r.Rationale,
			r.GeneratedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes recs as an indented array; no records is "[]".
func WriteJSON(w io.Writer, recs []signals.SignalRecord) error {
	if recs == nil {
		recs = []signals.SignalRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

// MarkdownOptions controls the top-signals report.
type MarkdownOptions struct {
	// TopN caps the number of signals rendered. Zero means 20.
	TopN int
	// Region, when set, is named in the report title.
	Region string
	// GeneratedAt stamps the report. Zero means now.
	GeneratedAt time.Time
}

const (
	defaultTopN      = 20
	maxEvidenceRunes = 500
	maxURLRunes      = 60
)

var stepBadges = map[signals.NextStep]string{
	signals.NextStepReachOutNow:  "🔥",
	signals.NextStepResearchMore: "🔍",
	signals.NextStepMonitor:      "👀",
}

// WriteMarkdown renders the top signals. recs should already be sorted.
func WriteMarkdown(w io.Writer, recs []signals.SignalRecord, opts MarkdownOptions) error {
	if len(recs) == 0 {
		_, err := io.WriteString(w, "# No Signals Found\n\nNo buying signals were detected.")
		return err
	}

	topN := opts.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	top := recs
	if len(top) > topN {
		top = top[:topN]
	}
	at := opts.GeneratedAt
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	title := "Top Buying Signals"
	if opts.Region != "" {
		title += " - " + opts.Region + " School Board Meetings"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Total Signals Found:** %d\n\n", len(recs))
	b.WriteString("---\n\n")

	for i, r := range top {
		district := r.District
		if district == "" {
			district = "Unknown"
		}
		date := "Unknown"
		if r.MeetingDate != nil && *r.MeetingDate != "" {
			date = *r.MeetingDate
		}
		summary := r.Summary
		if summary == "" {
			summary = "No summary available."
		}
		evidence := r.EvidenceSnippet
		if evidence == "" {
			evidence = "No evidence."
		}

		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, district)
		fmt.Fprintf(&b, "**Score:** %d/100 | **Category:** %s | **Confidence:** %.0f%%\n\n",
			r.OpportunityScore, Humanize(string(r.Category)), r.Confidence*100)
		fmt.Fprintf(&b, "**Meeting Date:** %s\n\n", date)
		fmt.Fprintf(&b, "**Next Step:** %s %s\n\n", stepBadges[r.RecommendedNextStep], Humanize(string(r.RecommendedNextStep)))
		fmt.Fprintf(&b, "### Summary\n%s\n\n", summary)
		fmt.Fprintf(&b, "### Evidence\n> %s\n\n", Truncate(evidence, maxEvidenceRunes))
		if r.SourceURL != "" {
			fmt.Fprintf(&b, "**Source:** [%s](%s)\n\n", Truncate(r.SourceURL, maxURLRunes), r.SourceURL)
		}
		b.WriteString("---\n\n")
	}

	b.WriteString("\n## About This Report\n\n")
	b.WriteString("This report was generated by **Board Signal Scout**, an automated system that scans " +
		"public school board meeting documents to identify early-stage buying signals for educational technology.\n\n")
	b.WriteString("**Scoring Criteria:**\n")
	b.WriteString("- Intent Strength (0-25): Explicit RFP, evaluation, or discussion\n")
	b.WriteString("- Time Window (0-25): Expected decision timeline\n")
	b.WriteString("- EduQuest Fit (0-25): Alignment with personalized learning\n")
	b.WriteString("- Evidence Quality (0-25): Clarity of documentation\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Humanize turns "reach_out_now" into "Reach Out Now".
func Humanize(s string) string {
	// A Caser keeps state between calls, so each call gets its own.
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

// Truncate shortens s to at most n runes, ending in "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
