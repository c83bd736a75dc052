package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/credentials"
	"github.com/otherjamesbrown/board-signal-scout/pkg/buildinfo"
	"github.com/otherjamesbrown/board-signal-scout/pkg/db"
	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/observability"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
	"github.com/otherjamesbrown/board-signal-scout/pkg/queues"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/store"
	"github.com/otherjamesbrown/board-signal-scout/pkg/workers"
)

// WorkerCommandDeps holds the dependencies for the worker command.
type WorkerCommandDeps struct {
	LoadConfig      func() (*config.ScoutConfig, error)
	ConfigPath      func() (string, error)
	NewClient       ClientFactory
	ConnectRedis    func(context.Context, *config.ScoutConfig) (*redis.Client, error)
	ConnectToDB     func(context.Context, *config.ScoutConfig) (*pgxpool.Pool, error)
	OpenCredentials func() (*credentials.Store, error)
	Logger          logging.Logger
}

// DefaultWorkerDeps returns the default dependencies for production use.
func DefaultWorkerDeps() *WorkerCommandDeps {
	return &WorkerCommandDeps{
		LoadConfig:      config.LoadConfig,
		ConfigPath:      config.ConfigPath,
		NewClient:       newChatClient,
		ConnectRedis:    connectToRedis,
		ConnectToDB:     connectToDatabase,
		OpenCredentials: openDefaultStore,
	}
}

type workerOptions struct {
	concurrency int
	store       string
	output      string
	metricsAddr string
	apiKey      string
	noWatch     bool
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(deps *WorkerCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultWorkerDeps()
	}
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the evaluation queue",
		Long: `Run a pool of workers that take units from the Redis queue, evaluate
them and store the results. Outcome events are published on Redis pub/sub.

The worker serves Prometheus metrics on /metrics, build info on /version and
a liveness check on /healthz. Threshold changes in the config file apply to
units that start after the file is saved.

Stop with Ctrl-C or SIGTERM; in-flight units finish before the worker exits.

Examples:
  scout worker
  scout worker --concurrency 8 --store postgres
  scout worker --metrics-addr :9102 --no-watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 0, "Workers in the pool (default: workers.count)")
	cmd.Flags().StringVar(&opts.store, "store", StoreJSONL, "Persist evaluations to: jsonl or postgres")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Evaluations JSONL file for --store jsonl")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Listen address for /metrics (default: metrics.addr, empty disables)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Model API key (overrides config and stored credentials)")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "Do not reload thresholds when the config file changes")
	return cmd
}

func runWorker(ctx context.Context, deps *WorkerCommandDeps, opts *workerOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.concurrency > 0 {
		cfg.Workers.Count = opts.concurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = NewLogger(cfg, "scout-worker")
	}
	logger = logger.With(logging.F("component", "worker"))

	apiKey, err := resolveAPIKey(opts.apiKey, cfg, deps.OpenCredentials, logger)
	if err != nil {
		return err
	}

	rc, err := deps.ConnectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	events := observability.NewEventEmitter(redisPublisher(rc))
	defer events.Close()

	parts, err := buildEvaluator(cfg, apiKey, deps.NewClient, logger, events)
	if err != nil {
		return err
	}
	parts.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		save evaluationSaver
		pool *pgxpool.Pool
	)
	switch opts.store {
	case "", StoreJSONL:
		output := opts.output
		if output == "" {
			output = cfg.Paths.EvaluationsPath()
		}
		writer, err := store.OpenEvaluationWriter(output, false)
		if err != nil {
			return err
		}
		defer writer.Close()
		save = writer
	case StorePostgres:
		pool, err = deps.ConnectToDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close(pool)
		parts.Registry.MustRegister(db.NewPoolCollector(pool, cfg.Database.Database))
		save = store.NewPostgres(pool)
	default:
		return fmt.Errorf("%w: unknown store %q (want %s or %s)", scerrors.ErrValidation, opts.store, StoreJSONL, StorePostgres)
	}

	q := queues.NewRedisQueue(rc, cfg.Workers.Queue())
	wp := workers.NewPool(cfg.Workers.Pool(), q, evaluateHandler(parts.Evaluator, save), logger, parts.Metrics)

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	var srv *http.Server
	if metricsAddr != "" {
		srv = &http.Server{
			Addr:              metricsAddr,
			Handler:           workerMux(parts.Registry, wp, pool),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", logging.Err(err))
			}
		}()
		logger.Info("Serving metrics", logging.F("addr", metricsAddr))
	}

	if !opts.noWatch && deps.ConfigPath != nil {
		if path, err := deps.ConfigPath(); err == nil {
			go watchThresholds(ctx, path, parts.Evaluator, logger)
		}
	}

	wp.Start()
	fmt.Fprintf(out, "Worker pool started: %d worker(s) on %s (policy: confidence>=%.2f, score>=%d)\n",
		cfg.Workers.Count, q.Name(), cfg.Thresholds.Confidence, cfg.Thresholds.Score)

	<-ctx.Done()
	logger.Info("Shutting down worker pool")

	grace := cfg.Workers.ShutdownTimeout
	if grace <= 0 {
		grace = workers.DefaultWorkerConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		wp.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached; in-flight units will be recovered from the queue")
		if srv != nil {
			_ = srv.Close()
		}
		return nil
	}
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}

	stats := wp.Stats()
	fmt.Fprintf(out, "Worker pool stopped: %d processed, %d failed\n", stats.Processed, stats.Failed)
	return nil
}

// evaluationSaver persists one evaluation. *store.Postgres and
// *store.EvaluationWriter implement it.
type evaluationSaver interface {
	SaveEvaluation(ctx context.Context, ev *pipeline.Evaluation) error
}

// evaluateHandler runs each queued unit through the evaluator and saves the
// record. A unit cut short by the handler deadline is retried; a store
// failure is a dependency error.
func evaluateHandler(evaluator *pipeline.Evaluator, save evaluationSaver) workers.MessageHandler {
	return func(ctx context.Context, msg queues.Message) error {
		em, ok := msg.(*queues.EvaluateMessage)
		if !ok {
			return queues.NewPermanentError(queues.ErrorCodeInvalidInput,
				fmt.Sprintf("unexpected message type %T", msg), queues.ErrInvalidMessage)
		}

		ev := evaluator.EvaluateSafely(pipeline.ContextWithRunID(ctx, em.RunID), em.Unit)
		if ctx.Err() != nil && ev.Outcome == signals.OutcomeErrored {
			return queues.NewTransientError(queues.ErrorCodeTimeout, "evaluation cut short", ctx.Err())
		}
		if err := save.SaveEvaluation(ctx, ev); err != nil {
			return queues.NewDependencyError(queues.ErrorCodeStoreError, "saving evaluation", err)
		}
		return nil
	}
}

func workerMux(reg *prometheus.Registry, wp *workers.Pool, pool *pgxpool.Pool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/version", buildinfo.Handler("scout-worker"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Pool     workers.PoolStats `json:"pool"`
			Database *db.HealthStatus  `json:"database,omitempty"`
		}{Pool: wp.Stats()}

		healthy := body.Pool.ActiveCount > 0
		if pool != nil {
			status := db.Check(r.Context(), pool)
			body.Database = &status
			healthy = healthy && status.Healthy
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

// watchThresholds applies threshold edits in the config file to the running evaluator.
func watchThresholds(ctx context.Context, path string, evaluator *pipeline.Evaluator, logger logging.Logger) {
	err := config.Watch(ctx, path, logger, func(next *config.ScoutConfig) {
		policy := next.Thresholds.Policy()
		if err := policy.Validate(); err != nil {
			logger.Warn("Ignoring invalid thresholds", logging.Err(err))
			return
		}
		if policy == evaluator.Policy() {
			return
		}
		evaluator.SetPolicy(policy)
		logger.Info("Thresholds updated",
			logging.F("confidence", policy.ConfidenceThreshold),
			logging.F("score", policy.ScoreThreshold))
	})
	if err != nil {
		logger.Warn("Config watch unavailable", logging.Err(err))
	}
}
