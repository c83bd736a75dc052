// Package cmd provides the scout subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/pkg/db"
	"github.com/otherjamesbrown/board-signal-scout/pkg/llm"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
	"github.com/otherjamesbrown/board-signal-scout/pkg/observability"
	"github.com/otherjamesbrown/board-signal-scout/pkg/pipeline"
)

// ClientFactory builds the model client from resolved settings.
type ClientFactory func(cfg llm.ChatConfig) (llm.Client, error)

func newChatClient(cfg llm.ChatConfig) (llm.Client, error) {
	return llm.NewChatClient(cfg)
}

// connectToDatabase opens the configured Postgres pool, retrying briefly
// while the server comes up.
func connectToDatabase(ctx context.Context, cfg *config.ScoutConfig) (*pgxpool.Pool, error) {
	return db.ConnectWithRetry(ctx, &cfg.Database, 3, 2*time.Second)
}

// newRedisClient returns a client for the configured Redis. It does not dial.
func newRedisClient(cfg *config.ScoutConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// connectToRedis returns a client after checking the server answers.
func connectToRedis(ctx context.Context, cfg *config.ScoutConfig) (*redis.Client, error) {
	client := newRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("testing redis connection at %s: %w", cfg.Redis.Addr, err)
	}
	return client, nil
}

// NewLogger builds the process logger. Output is JSON when configured or
// when stderr is not a terminal.
func NewLogger(cfg *config.ScoutConfig, service string, sinks ...logging.Sink) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:       logging.ParseLevel(cfg.Log.Level),
		ServiceName: service,
		JSONFormat:  cfg.Log.JSON || !logging.IsTerminal(os.Stderr),
		Output:      os.Stderr,
		Sinks:       sinks,
	})
}

// warnSink forwards warn and error entries only.
type warnSink struct {
	logging.Sink
}

func (s warnSink) Write(entry logging.LogEntry) {
	if entry.Level == "warn" || entry.Level == "error" {
		s.Sink.Write(entry)
	}
}

// redisPublisher adapts a go-redis client to the event emitter.
func redisPublisher(client *redis.Client) *observability.RedisEventPublisher {
	return observability.NewRedisEventPublisher(func(ctx context.Context, channel string, message interface{}) error {
		return client.Publish(ctx, channel, message).Err()
	})
}

// evaluatorParts is what evaluate and worker build around one model client.
type evaluatorParts struct {
	Evaluator *pipeline.Evaluator
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry
}

// buildEvaluator wires the model client, retry budget, metrics and events
// into an evaluator using cfg's thresholds.
func buildEvaluator(cfg *config.ScoutConfig, apiKey string, newClient ClientFactory, logger logging.Logger, events *observability.EventEmitter) (*evaluatorParts, error) {
	chat := cfg.LLM.ChatConfig()
	chat.APIKey = apiKey
	client, err := newClient(chat)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	invoker := llm.NewInvoker(client, logger)
	invoker.Retry = cfg.LLM.RetryPolicy()
	invoker.Observer = metrics

	evaluator := pipeline.New(invoker,
		pipeline.WithPolicy(cfg.Thresholds.Policy()),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithEvents(events),
		pipeline.WithTracer(observability.NewTracer()),
	)
	return &evaluatorParts{Evaluator: evaluator, Metrics: metrics, Registry: registry}, nil
}

// writeFormatted encodes v as json or yaml. Other formats return false.
func writeFormatted(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return false, nil
	}
}

// formatDuration renders d for summaries: 850ms, 12.4s, 3.2m.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return fmt.Sprintf("%.1fm", float64(ms)/60000)
}
