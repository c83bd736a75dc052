package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/credentials"
	"github.com/otherjamesbrown/board-signal-scout/pkg/db"
	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/observability"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/store"
)

// Store backends accepted by --store.
const (
	StoreJSONL    = "jsonl"
	StorePostgres = "postgres"
)

// EvaluateCommandDeps holds the dependencies for the evaluate command.
type EvaluateCommandDeps struct {
	LoadConfig      func() (*config.ScoutConfig, error)
	NewClient       ClientFactory
	ConnectToDB     func(context.Context, *config.ScoutConfig) (*pgxpool.Pool, error)
	NewRedis        func(*config.ScoutConfig) *redis.Client
	OpenCredentials func() (*credentials.Store, error)
	// Logger overrides the logger built from config.
	Logger logging.Logger
}

// DefaultEvaluateDeps returns the default dependencies for production use.
func DefaultEvaluateDeps() *EvaluateCommandDeps {
	return &EvaluateCommandDeps{
		LoadConfig:      config.LoadConfig,
		NewClient:       newChatClient,
		ConnectToDB:     connectToDatabase,
		NewRedis:        newRedisClient,
		OpenCredentials: openDefaultStore,
	}
}

type evaluateOptions struct {
	input       string
	output      string
	limit       int
	reprocess   bool
	concurrency int
	store       string
	metricsOut  string
	apiKey      string
	publish     bool
	confidence  float64
	score       int

	setConfidence bool
	setScore      bool
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(deps *EvaluateCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEvaluateDeps()
	}
	opts := &evaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate text units for buying signals",
		Long: `Run every unit in the chunks file through the evaluation pipeline:
classify, validate evidence, score, then keep or drop.

One evaluation record is appended to the output file per unit. Units whose
chunk_id already appears in the output (or in Postgres with --store postgres)
are skipped unless --reprocess is given, in which case the output is
rewritten from scratch. --limit applies to the input before skipping.

Interrupting a run (Ctrl-C) stops new units; units cut short are not
written, so the next run picks them up.

Examples:
  scout evaluate
  scout evaluate --limit 50 --concurrency 8
  scout evaluate --reprocess --score-threshold 60
  scout evaluate --store postgres --metrics-out data/metrics/evaluate.prom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.setConfidence = cmd.Flags().Changed("confidence-threshold")
			opts.setScore = cmd.Flags().Changed("score-threshold")
			return runEvaluate(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Units JSONL file (default: <output_dir>/chunks.jsonl)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Evaluations JSONL file (default: <output_dir>/evaluations.jsonl)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Only consider the first N units (0 = all)")
	cmd.Flags().BoolVar(&opts.reprocess, "reprocess", false, "Re-evaluate every unit and rewrite the output")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 0, "Units evaluated in parallel (default: workers.count)")
	cmd.Flags().StringVar(&opts.store, "store", StoreJSONL, "Also persist to: jsonl (file only) or postgres")
	cmd.Flags().StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Model API key (overrides config and stored credentials)")
	cmd.Flags().BoolVar(&opts.publish, "publish", false, "Publish outcome events to Redis pub/sub")
	cmd.Flags().Float64Var(&opts.confidence, "confidence-threshold", 0, "Override thresholds.confidence")
	cmd.Flags().IntVar(&opts.score, "score-threshold", 0, "Override thresholds.score")
	return cmd
}

func runEvaluate(ctx context.Context, deps *EvaluateCommandDeps, opts *evaluateOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.setConfidence {
		cfg.Thresholds.Confidence = opts.confidence
	}
	if opts.setScore {
		cfg.Thresholds.Score = opts.score
	}
	if err := cfg.Thresholds.Policy().Validate(); err != nil {
		return err
	}

	input := opts.input
	if input == "" {
		input = cfg.Paths.ChunksPath()
	}
	output := opts.output
	if output == "" {
		output = cfg.Paths.EvaluationsPath()
	}
	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Workers.Count
	}

	logger := deps.Logger
	var pg *store.Postgres
	switch opts.store {
	case "", StoreJSONL:
	case StorePostgres:
		pool, err := deps.ConnectToDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close(pool)
		pg = store.NewPostgres(pool)
		if logger == nil {
			sink := logging.NewBufferedSink(logging.BufferedSinkConfig{Writer: pg})
			defer sink.Close()
			logger = NewLogger(cfg, "scout", warnSink{sink})
		}
	default:
		return fmt.Errorf("%w: unknown store %q (want %s or %s)", scerrors.ErrValidation, opts.store, StoreJSONL, StorePostgres)
	}
	if logger == nil {
		logger = NewLogger(cfg, "scout")
	}
	logger = logger.With(logging.F("component", "evaluate"))

	units, err := store.ReadUnits(input, logger)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("chunks file not found: %s (run the chunking step first)", input)
	}
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Fprintln(out, "No chunks found to evaluate.")
		return nil
	}
	logger.Info("Loaded units", logging.F("count", len(units)), logging.F("input", input))

	if opts.limit > 0 && len(units) > opts.limit {
		units = units[:opts.limit]
		logger.Info("Limited units", logging.F("limit", opts.limit))
	}

	pending, skipped, err := pendingUnits(ctx, units, opts.reprocess, output, pg)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintf(out, "No new chunks to evaluate (%d already evaluated).\n", skipped)
		return nil
	}

	apiKey, err := resolveAPIKey(opts.apiKey, cfg, deps.OpenCredentials, logger)
	if err != nil {
		return err
	}

	var publisher observability.EventPublisher
	if opts.publish {
		rc := deps.NewRedis(cfg)
		defer rc.Close()
		publisher = redisPublisher(rc)
	}
	events := observability.NewEventEmitter(publisher)
	defer events.Close()

	parts, err := buildEvaluator(cfg, apiKey, deps.NewClient, logger, events)
	if err != nil {
		return err
	}

	writer, err := store.OpenEvaluationWriter(output, opts.reprocess)
	if err != nil {
		return err
	}
	defer writer.Close()

	runID := uuid.New().String()
	ctx = pipeline.ContextWithRunID(ctx, runID)
	logger.Info("Starting evaluation",
		logging.F("run_id", runID),
		logging.F("units", len(pending)),
		logging.F("skipped", skipped),
		logging.F("concurrency", concurrency),
		logging.F("model", cfg.LLM.Model))

	start := time.Now()
	stats, runErr := parts.Evaluator.EvaluateBatch(ctx, pending, concurrency, func(ev *pipeline.Evaluation) error {
		if err := writer.Write(ev); err != nil {
			return err
		}
		if pg != nil {
			return pg.SaveEvaluation(ctx, ev)
		}
		return nil
	})
	elapsed := time.Since(start)

	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	completed := observability.NewRunCompletedEvent(runID, stats.Total, stats.Normalized, stats.Dropped, stats.Errored, skipped, elapsed)
	if err := events.EmitRunCompleted(emitCtx, completed); err != nil {
		logger.Warn("Failed to publish run summary", logging.Err(err))
	}

	if opts.metricsOut != "" {
		if err := observability.WriteTextfile(parts.Registry, opts.metricsOut); err != nil {
			logger.Warn("Failed to write metrics textfile", logging.F("path", opts.metricsOut), logging.Err(err))
		}
	}

	attempts, _ := observability.LabelTotals(parts.Registry, observability.MetricModelAttempts, "status")
	printEvaluateSummary(out, runID, stats, skipped, elapsed, attempts, output)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("evaluation interrupted: %d unit(s) will be picked up by the next run", len(pending)-stats.Total)
		}
		return runErr
	}
	return nil
}

// pendingUnits drops units already recorded in the chosen store.
func pendingUnits(ctx context.Context, units []signals.Unit, reprocess bool, output string, pg *store.Postgres) ([]signals.Unit, int, error) {
	if reprocess {
		return units, 0, nil
	}

	var (
		done map[string]bool
		err  error
	)
	if pg != nil {
		done, err = pg.EvaluatedIDs(ctx)
	} else {
		done, err = store.EvaluatedIDs(output)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading evaluated chunk ids: %w", err)
	}

	pending := make([]signals.Unit, 0, len(units))
	for _, u := range units {
		if !done[u.ChunkID] {
			pending = append(pending, u)
		}
	}
	return pending, len(units) - len(pending), nil
}

func printEvaluateSummary(out io.Writer, runID string, stats pipeline.BatchStats, skipped int, elapsed time.Duration, attempts map[string]float64, output string) {
	fmt.Fprintf(out, "Run %s: evaluated %d unit(s) in %s\n", runID, stats.Total, formatDuration(elapsed))
	fmt.Fprintf(out, "  Kept:        %d\n", stats.Normalized)
	fmt.Fprintf(out, "  Dropped:     %d\n", stats.Dropped)
	fmt.Fprintf(out, "  Errored:     %d\n", stats.Errored)
	fmt.Fprintf(out, "  Skipped:     %d (already evaluated)\n", skipped)
	if stats.Interrupted > 0 {
		fmt.Fprintf(out, "  Interrupted: %d\n", stats.Interrupted)
	}
	if len(attempts) > 0 {
		fmt.Fprint(out, "Model calls:")
		for _, status := range observability.SortedKeys(attempts) {
			fmt.Fprintf(out, " %s=%d", status, int(attempts[status]))
		}
		fmt.Fprintln(out)
		for _, status := range observability.SortedKeys(attempts) {
			if status == "ok" {
				continue
			}
			code := scerrors.ErrorCode(status)
			fmt.Fprintf(out, "  %s: %s\n", status, scerrors.GetDescription(code))
			fmt.Fprintf(out, "    Suggested action: %s\n", scerrors.GetSuggestedAction(code))
		}
	}
	fmt.Fprintf(out, "Evaluations written to %s\n", output)
}
