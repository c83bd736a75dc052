package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/observability"
	"github.com/otherjamesbrown/board-signal-scout/pkg/queues"
	"github.com/otherjamesbrown/board-signal-scout/pkg/store"
)

// QueueAdmin is the part of the work queue the queue commands use.
type QueueAdmin interface {
	Name() string
	EnqueueBatch(ctx context.Context, msgs []queues.Message) error
	Depth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
	DeadLetterDepth(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, limit int64) ([]queues.DeadLetter, error)
	RecoverStaleMessages(ctx context.Context) (int, error)
}

// QueueCommandDeps holds the dependencies for queue commands.
type QueueCommandDeps struct {
	LoadConfig func() (*config.ScoutConfig, error)
	// OpenQueue returns the configured queue and a func releasing its connection.
	OpenQueue func(ctx context.Context, cfg *config.ScoutConfig) (QueueAdmin, func(), error)
	Logger    logging.Logger
}

// DefaultQueueDeps returns the default dependencies for production use.
func DefaultQueueDeps() *QueueCommandDeps {
	return &QueueCommandDeps{
		LoadConfig: config.LoadConfig,
		OpenQueue:  openRedisQueue,
		Logger:     logging.NewNopLogger(),
	}
}

func openRedisQueue(ctx context.Context, cfg *config.ScoutConfig) (QueueAdmin, func(), error) {
	client, err := connectToRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	q := queues.NewRedisQueue(client, cfg.Workers.Queue())
	return q, func() { client.Close() }, nil
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(deps *QueueCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultQueueDeps()
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the distributed evaluation queue",
		Long: `Manage the Redis queue consumed by 'scout worker'.

Units are enqueued once per run; workers evaluate them and write evaluation
records. Messages that keep failing are parked in the dead letter queue.`,
	}

	cmd.AddCommand(newQueueEnqueueCommand(deps))
	cmd.AddCommand(newQueueStatsCommand(deps))
	cmd.AddCommand(newQueueDLQCommand(deps))
	cmd.AddCommand(newQueueRecoverCommand(deps))
	return cmd
}

func newQueueEnqueueCommand(deps *QueueCommandDeps) *cobra.Command {
	var (
		input      string
		output     string
		metricsOut string
		limit      int
		priority   int
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue units for the workers",
		Long: `Read the chunks file and enqueue one message per unit under a new run ID.

Units already present in the evaluations file are skipped unless --all is given.

Examples:
  scout queue enqueue
  scout queue enqueue --limit 100 --priority 2
  scout queue enqueue --metrics-out data/metrics/enqueue.prom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if input == "" {
				input = cfg.Paths.ChunksPath()
			}
			if output == "" {
				output = cfg.Paths.EvaluationsPath()
			}

			units, err := store.ReadUnits(input, deps.Logger)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("chunks file not found: %s (run the chunking step first)", input)
			}
			if err != nil {
				return err
			}
			if limit > 0 && len(units) > limit {
				units = units[:limit]
			}
			pending, skipped, err := pendingUnits(ctx, units, all, output, nil)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintf(out, "No new chunks to enqueue (%d already evaluated).\n", skipped)
				return nil
			}

			q, release, err := deps.OpenQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer release()

			runID := uuid.New().String()
			now := time.Now().UTC()
			msgs := make([]queues.Message, len(pending))
			for i, u := range pending {
				msgs[i] = &queues.EvaluateMessage{
					RunID:      runID,
					Unit:       u,
					Priority:   queues.Priority(priority),
					EnqueuedAt: now,
				}
			}
			if err := q.EnqueueBatch(ctx, msgs); err != nil {
				return fmt.Errorf("enqueueing units: %w", err)
			}

			if metricsOut != "" {
				registry := prometheus.NewRegistry()
				observability.NewMetrics(registry).RecordQueueEnqueue(q.Name(), len(msgs))
				if err := observability.WriteTextfile(registry, metricsOut); err != nil {
					return fmt.Errorf("writing metrics: %w", err)
				}
			}

			fmt.Fprintf(out, "Enqueued %d unit(s) on %s\n", len(msgs), q.Name())
			fmt.Fprintf(out, "  Run ID:  %s\n", runID)
			fmt.Fprintf(out, "  Skipped: %d (already evaluated)\n", skipped)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Units JSONL file (default: <output_dir>/chunks.jsonl)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Evaluations JSONL file used to skip done units")
	cmd.Flags().IntVar(&limit, "limit", 0, "Only consider the first N units (0 = all)")
	cmd.Flags().IntVar(&priority, "priority", int(queues.PriorityNormal), "Message priority: 0 low, 1 normal, 2 high")
	cmd.Flags().BoolVar(&all, "all", false, "Enqueue units that were already evaluated")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	return cmd
}

// QueueStats is the output of queue stats.
type QueueStats struct {
	Queue      string `json:"queue" yaml:"queue"`
	Ready      int64  `json:"ready" yaml:"ready"`
	InFlight   int64  `json:"in_flight" yaml:"in_flight"`
	DeadLetter int64  `json:"dead_letter" yaml:"dead_letter"`
}

func newQueueStatsCommand(deps *QueueCommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			q, release, err := deps.OpenQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer release()

			stats, err := collectQueueStats(ctx, q)
			if err != nil {
				return err
			}
			return printQueueStats(cmd.OutOrStdout(), output, stats)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

func collectQueueStats(ctx context.Context, q QueueAdmin) (*QueueStats, error) {
	stats := &QueueStats{Queue: q.Name()}
	var err error
	if stats.Ready, err = q.Depth(ctx); err != nil {
		return nil, fmt.Errorf("reading queue depth: %w", err)
	}
	if stats.InFlight, err = q.InFlight(ctx); err != nil {
		return nil, fmt.Errorf("reading in-flight count: %w", err)
	}
	if stats.DeadLetter, err = q.DeadLetterDepth(ctx); err != nil {
		return nil, fmt.Errorf("reading dead letter depth: %w", err)
	}
	return stats, nil
}

func printQueueStats(w io.Writer, format string, stats *QueueStats) error {
	if ok, err := writeFormatted(w, format, stats); ok {
		return err
	}
	fmt.Fprintf(w, "Queue: %s\n", stats.Queue)
	fmt.Fprintf(w, "  Ready:       %d\n", stats.Ready)
	fmt.Fprintf(w, "  In flight:   %d\n", stats.InFlight)
	fmt.Fprintf(w, "  Dead letter: %d\n", stats.DeadLetter)
	return nil
}

func newQueueDLQCommand(deps *QueueCommandDeps) *cobra.Command {
	var (
		limit  int64
		output string
	)

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			q, release, err := deps.OpenQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer release()

			letters, err := q.DeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if ok, err := writeFormatted(out, output, letters); ok {
				return err
			}
			if len(letters) == 0 {
				fmt.Fprintln(out, "Dead letter queue is empty.")
				return nil
			}
			fmt.Fprintf(out, "%-20s  %-12s  %s\n", "MOVED", "MESSAGE", "REASON")
			for _, dl := range letters {
				fmt.Fprintf(out, "%-20s  %-12s  %s\n",
					dl.MovedAt.Local().Format("2006-01-02 15:04:05"), shortID(dl.Message), dl.Reason)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", 20, "Maximum messages to list")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

func newQueueRecoverCommand(deps *QueueCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue messages whose worker stopped responding",
		Long: `Requeue in-flight messages whose visibility timeout expired. Messages
that have used up their retries move to the dead letter queue instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			q, release, err := deps.OpenQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer release()

			n, err := q.RecoverStaleMessages(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d message(s)\n", n)
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
