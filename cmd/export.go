package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/pkg/db"
	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/export"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/store"
)

// ExportCommandDeps holds the dependencies for the export command.
type ExportCommandDeps struct {
	LoadConfig  func() (*config.ScoutConfig, error)
	ConnectToDB func(context.Context, *config.ScoutConfig) (*pgxpool.Pool, error)
	Now         func() time.Time
	Logger      logging.Logger
}

// DefaultExportDeps returns the default dependencies for production use.
func DefaultExportDeps() *ExportCommandDeps {
	return &ExportCommandDeps{
		LoadConfig:  config.LoadConfig,
		ConnectToDB: connectToDatabase,
		Now:         time.Now,
		Logger:      logging.NewNopLogger(),
	}
}

type exportOptions struct {
	from       string
	input      string
	csvPath    string
	jsonPath   string
	mdPath     string
	top        int
	region     string
	minScore   int
	categories []string
	district   string
	runID      string
	since      time.Duration
	limit      uint64

	// changed records which report path flags were given, so "" can skip a format.
	changed map[string]bool
}

// NewExportCommand creates the export command.
func NewExportCommand(deps *ExportCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultExportDeps()
	}
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write kept signals to CSV, JSON and Markdown",
		Long: `Collect the signal records of kept evaluations, drop duplicates (same
artifact, category and evidence prefix, keeping the highest score), sort by
opportunity score and write the reports.

Reports default to <output_dir>/signals.csv, signals.json and top_signals.md.
Pass an empty path (--md "") to skip a format.

With --from postgres the records come from the evaluations table and can be
narrowed with --min-score, --category, --district, --run-id and --since.

Examples:
  scout export
  scout export --top 10 --region "Greater Boston"
  scout export --from postgres --min-score 70 --category curriculum_adoption --since 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.changed = map[string]bool{}
			for _, name := range []string{"csv", "json", "md"} {
				opts.changed[name] = cmd.Flags().Changed(name)
			}
			return runExport(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", StoreJSONL, "Read evaluations from: jsonl or postgres")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Evaluations JSONL file (default: <output_dir>/evaluations.jsonl)")
	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "CSV report path")
	cmd.Flags().StringVar(&opts.jsonPath, "json", "", "JSON report path")
	cmd.Flags().StringVar(&opts.mdPath, "md", "", "Markdown report path")
	cmd.Flags().IntVar(&opts.top, "top", 0, "Signals in the Markdown report (default: export.top_n)")
	cmd.Flags().StringVar(&opts.region, "region", "", "Region named in the Markdown title (default: export.region)")
	cmd.Flags().IntVar(&opts.minScore, "min-score", 0, "Only signals scoring at least this (postgres)")
	cmd.Flags().StringSliceVar(&opts.categories, "category", nil, "Only these categories (postgres, repeatable)")
	cmd.Flags().StringVar(&opts.district, "district", "", "Only districts matching this substring (postgres)")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Only signals from this run (postgres)")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "Only signals evaluated within this window, e.g. 24h (postgres)")
	cmd.Flags().Uint64Var(&opts.limit, "limit", 0, "Maximum signals read (postgres, 0 = all)")
	return cmd
}

func runExport(ctx context.Context, deps *ExportCommandDeps, opts *exportOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	var recs []signals.SignalRecord
	switch opts.from {
	case "", StoreJSONL:
		input := opts.input
		if input == "" {
			input = cfg.Paths.EvaluationsPath()
		}
		if _, err := os.Stat(input); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("evaluations file not found: %s (run 'scout evaluate' first)", input)
		}
		evals, err := store.ReadEvaluations(input, deps.Logger)
		if err != nil {
			return err
		}
		recs = export.Prepare(evals)
	case StorePostgres:
		filter, err := opts.signalFilter(deps.Now())
		if err != nil {
			return err
		}
		pool, err := deps.ConnectToDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close(pool)
		stored, err := store.NewPostgres(pool).KeptSignals(ctx, filter)
		if err != nil {
			return err
		}
		recs = export.Deduplicate(stored)
		export.SortByScore(recs)
	default:
		return fmt.Errorf("%w: unknown source %q (want %s or %s)", scerrors.ErrValidation, opts.from, StoreJSONL, StorePostgres)
	}

	paths := opts.paths(cfg)
	mdOpts := export.MarkdownOptions{
		TopN:        cfg.Export.TopN,
		Region:      cfg.Export.Region,
		GeneratedAt: deps.Now(),
	}
	if opts.top > 0 {
		mdOpts.TopN = opts.top
	}
	if opts.region != "" {
		mdOpts.Region = opts.region
	}
	if err := export.WriteFiles(recs, paths, mdOpts); err != nil {
		return err
	}

	fmt.Fprintf(out, "Exported %d signal(s)\n", len(recs))
	for _, p := range []struct{ label, path string }{
		{"CSV", paths.CSV},
		{"JSON", paths.JSON},
		{"Markdown", paths.Markdown},
	} {
		if p.path != "" {
			fmt.Fprintf(out, "  %-9s %s\n", p.label+":", p.path)
		}
	}
	return nil
}

// paths resolves report paths. A flag explicitly set to "" skips that format;
// an unset flag uses the configured default.
func (o *exportOptions) paths(cfg *config.ScoutConfig) export.Paths {
	pick := func(name, flag, def string) string {
		if flag != "" || o.changed[name] {
			return flag
		}
		return def
	}
	return export.Paths{
		CSV:      pick("csv", o.csvPath, cfg.Paths.SignalsCSVPath()),
		JSON:     pick("json", o.jsonPath, cfg.Paths.SignalsJSONPath()),
		Markdown: pick("md", o.mdPath, cfg.Paths.TopSignalsPath()),
	}
}

func (o *exportOptions) signalFilter(now time.Time) (store.SignalFilter, error) {
	f := store.SignalFilter{
		MinScore: o.minScore,
		District: o.district,
		RunID:    o.runID,
		Limit:    o.limit,
	}
	for _, c := range o.categories {
		cat := signals.Category(strings.TrimSpace(c))
		if !cat.Valid() {
			return f, fmt.Errorf("%w: unknown category %q", scerrors.ErrValidation, c)
		}
		f.Categories = append(f.Categories, cat)
	}
	if o.since > 0 {
		f.Since = now.Add(-o.since)
	}
	return f, nil
}
