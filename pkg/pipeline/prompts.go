package pipeline

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// UnknownMeetingDate is rendered into the score prompt when a unit has no date.
const UnknownMeetingDate = "Unknown"

type categoryDoc struct {
	Name        string
	Description string
}

type classifyData struct {
	Categories []categoryDoc
	Text       string
}

type scoreData struct {
	District    string
	MeetingDate string
	Category    signals.Category
	Confidence  float64
	Evidence    string
	Rationale   string
	NextSteps   []signals.NextStep
}

// RenderClassifyPrompt embeds the unit's text in the classify instructions.
func RenderClassifyPrompt(u signals.Unit) (string, error) {
	cats := signals.Categories()
	data := classifyData{Text: u.Text, Categories: make([]categoryDoc, 0, len(cats))}
	for _, c := range cats {
		data.Categories = append(data.Categories, categoryDoc{Name: string(c), Description: c.Description()})
	}
	return render("classify.tmpl", data)
}

// RenderScorePrompt embeds unit metadata and the classification in the score instructions.
func RenderScorePrompt(u signals.Unit, c signals.ClassificationResult) (string, error) {
	return render("score.tmpl", scoreData{
		District:    u.District,
		MeetingDate: u.MeetingDateOr(UnknownMeetingDate),
		Category:    c.Category,
		Confidence:  c.Confidence,
		Evidence:    c.EvidenceSnippet,
		Rationale:   c.Rationale,
		NextSteps:   []signals.NextStep{signals.NextStepReachOutNow, signals.NextStepResearchMore, signals.NextStepMonitor},
	})
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
