// Package config loads the scout configuration from defaults, a YAML file
// and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/board-signal-scout/pkg/db"
	"github.com/otherjamesbrown/board-signal-scout/pkg/llm"
	"github.com/otherjamesbrown/board-signal-scout/pkg/queues"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
	"github.com/otherjamesbrown/board-signal-scout/pkg/workers"
)

// Default configuration values.
const (
	DefaultConfigDir   = ".scout"
	DefaultConfigFile  = "config.yaml"
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2048
	DefaultOutputDir   = "data/outputs"
	DefaultWorkerCount = 4
	DefaultMetricsAddr = ":9464"
	DefaultRedisAddr   = "localhost:6379"
	DefaultTopN        = 20
)

// ThresholdsConfig holds the routing thresholds.
type ThresholdsConfig struct {
	Confidence float64 `yaml:"confidence"`
	Score      int     `yaml:"score"`
}

// Policy converts the thresholds into a routing policy.
func (t ThresholdsConfig) Policy() signals.Policy {
	return signals.Policy{ConfidenceThreshold: t.Confidence, ScoreThreshold: t.Score}
}

// LLMConfig configures the model endpoint and its retry budget.
type LLMConfig struct {
	Endpoint       string
	Model          string
	APIKey         string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryPolicy returns the per-call retry budget.
func (c LLMConfig) RetryPolicy() llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.InitialBackoff = c.InitialBackoff
	p.MaxBackoff = c.MaxBackoff
	p.AttemptTimeout = c.Timeout
	return p
}

// ChatConfig returns the HTTP client settings.
func (c LLMConfig) ChatConfig() llm.ChatConfig {
	return llm.ChatConfig{
		Endpoint:     c.Endpoint,
		Model:        c.Model,
		APIKey:       c.APIKey,
		SystemPrompt: c.SystemPrompt,
		Temperature:  c.Temperature,
		MaxTokens:    c.MaxTokens,
		HTTPTimeout:  c.Timeout + 5*time.Second,
	}
}

// WorkersConfig configures `scout worker` and local batch concurrency.
type WorkersConfig struct {
	Count             int
	QueueName         string
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Pool returns the worker pool settings.
func (w WorkersConfig) Pool() workers.WorkerConfig {
	return workers.WorkerConfig{
		Count:             w.Count,
		QueueName:         w.QueueName,
		BatchSize:         w.BatchSize,
		VisibilityTimeout: w.VisibilityTimeout,
		PollInterval:      w.PollInterval,
		ShutdownTimeout:   w.ShutdownTimeout,
	}
}

// Queue returns the queue settings for the configured queue.
func (w WorkersConfig) Queue() queues.QueueConfig {
	qc := queues.DefaultQueueConfig(w.QueueName)
	qc.VisibilityTimeout = w.VisibilityTimeout
	return qc
}

// PathsConfig names pipeline files. Empty file paths resolve under OutputDir.
type PathsConfig struct {
	OutputDir    string `yaml:"output_dir"`
	Chunks       string `yaml:"chunks,omitempty"`
	Evaluations  string `yaml:"evaluations,omitempty"`
	SignalsCSV   string `yaml:"signals_csv,omitempty"`
	SignalsJSON  string `yaml:"signals_json,omitempty"`
	TopSignalsMD string `yaml:"top_signals_md,omitempty"`
}

func (p PathsConfig) under(path, name string) string {
	if path != "" {
		return path
	}
	return filepath.Join(p.OutputDir, name)
}

// ChunksPath is the units input file.
func (p PathsConfig) ChunksPath() string { return p.under(p.Chunks, "chunks.jsonl") }

// EvaluationsPath is the evaluation output file.
func (p PathsConfig) EvaluationsPath() string { return p.under(p.Evaluations, "evaluations.jsonl") }

// SignalsCSVPath is the CSV report.
func (p PathsConfig) SignalsCSVPath() string { return p.under(p.SignalsCSV, "signals.csv") }

// SignalsJSONPath is the JSON report.
func (p PathsConfig) SignalsJSONPath() string { return p.under(p.SignalsJSON, "signals.json") }

// TopSignalsPath is the Markdown report.
func (p PathsConfig) TopSignalsPath() string { return p.under(p.TopSignalsMD, "top_signals.md") }

// RedisConfig locates the queue and event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the worker's HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ExportConfig controls report rendering.
type ExportConfig struct {
	TopN   int    `yaml:"top_n"`
	Region string `yaml:"region,omitempty"`
}

// ScoutConfig is the full configuration.
type ScoutConfig struct {
	Thresholds ThresholdsConfig
	LLM        LLMConfig
	Workers    WorkersConfig
	Paths      PathsConfig
	Redis      RedisConfig
	Database   db.Config
	Log        LogConfig
	Metrics    MetricsConfig
	Export     ExportConfig
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *ScoutConfig {
	policy := signals.DefaultPolicy()
	retry := llm.DefaultRetryPolicy()
	pool := workers.DefaultWorkerConfig()
	return &ScoutConfig{
		Thresholds: ThresholdsConfig{
			Confidence: policy.ConfidenceThreshold,
			Score:      policy.ScoreThreshold,
		},
		LLM: LLMConfig{
			Endpoint:       llm.DefaultEndpoint,
			Model:          DefaultModel,
			Temperature:    DefaultTemperature,
			MaxTokens:      DefaultMaxTokens,
			Timeout:        retry.AttemptTimeout,
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
		},
		Workers: WorkersConfig{
			Count:             DefaultWorkerCount,
			QueueName:         queues.DefaultQueueName,
			BatchSize:         pool.BatchSize,
			PollInterval:      pool.PollInterval,
			VisibilityTimeout: pool.VisibilityTimeout,
			ShutdownTimeout:   pool.ShutdownTimeout,
		},
		Paths:    PathsConfig{OutputDir: DefaultOutputDir},
		Redis:    RedisConfig{Addr: DefaultRedisAddr},
		Database: *db.DefaultConfig(),
		Log:      LogConfig{Level: "info"},
		Metrics:  MetricsConfig{Addr: DefaultMetricsAddr},
		Export:   ExportConfig{TopN: DefaultTopN},
	}
}

// ConfigDir returns $SCOUT_CONFIG_DIR, or ~/.scout.
func ConfigDir() (string, error) {
	if dir := os.Getenv("SCOUT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the config file path inside ConfigDir.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig reads the default config file, if present, then the environment.
func LoadConfig() (*ScoutConfig, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}
	return Load(path)
}

// Load applies defaults, the file at path (skipped when missing), the
// environment, and validates the result.
func Load(path string) (*ScoutConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadFromFile(cfg, path); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *ScoutConfig) Validate() error {
	if err := c.Thresholds.Policy().Validate(); err != nil {
		return err
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be at least 1")
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must not be negative")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.QueueName == "" {
		return fmt.Errorf("workers.queue_name is required")
	}
	if c.Export.TopN < 1 {
		return fmt.Errorf("export.top_n must be at least 1")
	}
	return nil
}

// llmFile and workersFile carry durations as strings.
type llmFile struct {
	Endpoint       string  `yaml:"endpoint"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key,omitempty"`
	SystemPrompt   string  `yaml:"system_prompt,omitempty"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	Timeout        string  `yaml:"timeout"`
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
}

type workersFile struct {
	Count             int    `yaml:"count"`
	QueueName         string `yaml:"queue_name"`
	BatchSize         int    `yaml:"batch_size"`
	PollInterval      string `yaml:"poll_interval"`
	VisibilityTimeout string `yaml:"visibility_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
}

type configFile struct {
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	LLM        llmFile          `yaml:"llm"`
	Workers    workersFile      `yaml:"workers"`
	Paths      PathsConfig      `yaml:"paths"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   db.Config        `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Export     ExportConfig     `yaml:"export"`
}

func toFile(c *ScoutConfig) configFile {
	return configFile{
		Thresholds: c.Thresholds,
		LLM: llmFile{
			Endpoint:       c.LLM.Endpoint,
			Model:          c.LLM.Model,
			APIKey:         c.LLM.APIKey,
			SystemPrompt:   c.LLM.SystemPrompt,
			Temperature:    c.LLM.Temperature,
			MaxTokens:      c.LLM.MaxTokens,
			Timeout:        c.LLM.Timeout.String(),
			MaxAttempts:    c.LLM.MaxAttempts,
			InitialBackoff: c.LLM.InitialBackoff.String(),
			MaxBackoff:     c.LLM.MaxBackoff.String(),
		},
		Workers: workersFile{
			Count:             c.Workers.Count,
			QueueName:         c.Workers.QueueName,
			BatchSize:         c.Workers.BatchSize,
			PollInterval:      c.Workers.PollInterval.String(),
			VisibilityTimeout: c.Workers.VisibilityTimeout.String(),
			ShutdownTimeout:   c.Workers.ShutdownTimeout.String(),
		},
		Paths:    c.Paths,
		Redis:    c.Redis,
		Database: c.Database,
		Log:      c.Log,
		Metrics:  c.Metrics,
		Export:   c.Export,
	}
}

func (f configFile) apply(c *ScoutConfig) error {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"llm.timeout", f.LLM.Timeout, &c.LLM.Timeout},
		{"llm.initial_backoff", f.LLM.InitialBackoff, &c.LLM.InitialBackoff},
		{"llm.max_backoff", f.LLM.MaxBackoff, &c.LLM.MaxBackoff},
		{"workers.poll_interval", f.Workers.PollInterval, &c.Workers.PollInterval},
		{"workers.visibility_timeout", f.Workers.VisibilityTimeout, &c.Workers.VisibilityTimeout},
		{"workers.shutdown_timeout", f.Workers.ShutdownTimeout, &c.Workers.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = v
	}

	c.Thresholds = f.Thresholds
	c.LLM.Endpoint = f.LLM.Endpoint
	c.LLM.Model = f.LLM.Model
	c.LLM.APIKey = f.LLM.APIKey
	c.LLM.SystemPrompt = f.LLM.SystemPrompt
	c.LLM.Temperature = f.LLM.Temperature
	c.LLM.MaxTokens = f.LLM.MaxTokens
	c.LLM.MaxAttempts = f.LLM.MaxAttempts
	c.Workers.Count = f.Workers.Count
	c.Workers.QueueName = f.Workers.QueueName
	c.Workers.BatchSize = f.Workers.BatchSize
	c.Paths = f.Paths
	c.Redis = f.Redis
	c.Database = f.Database
	c.Log = f.Log
	c.Metrics = f.Metrics
	c.Export = f.Export
	return nil
}

// loadFromFile decodes path over cfg. Keys absent from the file keep their current values.
func loadFromFile(cfg *ScoutConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	fileCfg := toFile(cfg)
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return fileCfg.apply(cfg)
}

// loadFromEnv overlays environment variables. Malformed numeric values are errors.
func loadFromEnv(cfg *ScoutConfig) error {
	if v := firstEnv("SCOUT_CONFIDENCE_THRESHOLD", "CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parsing confidence threshold %q: %w", v, err)
		}
		cfg.Thresholds.Confidence = f
	}
	if v := firstEnv("SCOUT_SCORE_THRESHOLD", "SCORE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing score threshold %q: %w", v, err)
		}
		cfg.Thresholds.Score = n
	}

	if v := firstEnv("SCOUT_API_KEY", "OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := firstEnv("SCOUT_MODEL", "OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SCOUT_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("SCOUT_LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing SCOUT_LLM_TIMEOUT: %w", err)
		}
		cfg.LLM.Timeout = d
	}
	if v := os.Getenv("SCOUT_LLM_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing SCOUT_LLM_MAX_ATTEMPTS: %w", err)
		}
		cfg.LLM.MaxAttempts = n
	}

	if v := os.Getenv("SCOUT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing SCOUT_WORKERS: %w", err)
		}
		cfg.Workers.Count = n
	}
	if v := os.Getenv("SCOUT_QUEUE_NAME"); v != "" {
		cfg.Workers.QueueName = v
	}
	if v := os.Getenv("SCOUT_OUTPUT_DIR"); v != "" {
		cfg.Paths.OutputDir = v
	}
	if v := os.Getenv("SCOUT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SCOUT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SCOUT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SCOUT_LOG_JSON"); v == "true" || v == "1" {
		cfg.Log.JSON = true
	}
	if v := os.Getenv("SCOUT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	db.ApplyEnv(&cfg.Database)
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// SaveConfig writes cfg to the default config path with 0600 permissions.
func SaveConfig(cfg *ScoutConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveConfigTo(cfg, path)
}

// SaveConfigTo writes cfg to path, creating its directory.
func SaveConfigTo(cfg *ScoutConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML with durations as strings.
func Marshal(cfg *ScoutConfig) ([]byte, error) {
	data, err := yaml.Marshal(toFile(cfg))
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Redacted returns a copy with secrets masked, for `scout config show`.
func (c *ScoutConfig) Redacted() *ScoutConfig {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "********"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "********"
	}
	if out.Database.Password != "" {
		out.Database.Password = "********"
	}
	return &out
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}
