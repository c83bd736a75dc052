// Package main provides the scout CLI entry point.
// scout finds buying signals in school board meeting documents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/board-signal-scout/cmd"
	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/pkg/buildinfo"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
)

// Global flags.
var (
	cfgFile  string
	logLevel string
	jsonLogs bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "Board Signal Scout - buying signals from school board documents",
	Long: `scout reads chunked school board meeting documents and asks a language
model which passages describe a buying signal: a pilot, an RFP, a budget line
or a curriculum adoption that a vendor could act on.

Each chunk is classified, its evidence quote is checked against the source
text, signals above the confidence threshold are scored, and the survivors
are normalized into signal records for export.

COMMON WORKFLOWS:
  Local batch:   scout evaluate  →  scout export
  Distributed:   scout queue enqueue  →  scout worker  →  scout export --from postgres
  First run:     scout config init  →  scout auth set-key  →  scout db migrate

DISCOVERY:
  scout <command> --help      Subcommands, flags, and examples for any command
  scout config show           Effective configuration with secrets masked`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.SetGlobal(logging.NewLogger(&logging.Config{
			Level:       logging.ParseLevel(logLevel),
			ServiceName: "scout",
			JSONFormat:  jsonLogs || !logging.IsTerminal(os.Stderr),
			Output:      os.Stderr,
		}))
		return nil
	},
}

// configPath returns --config when set, otherwise the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.ConfigPath()
}

// loadConfig loads configuration honoring --config, --log-level and --json-logs.
func loadConfig() (*config.ScoutConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonLogs {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

var versionOutputJSON bool

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of the scout binary.

Examples:
  scout version
  scout version --output-json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildinfo.Get("scout")
		out := cmd.OutOrStdout()
		if versionOutputJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Fprintf(out, "scout %s\n", buildinfo.String())
		fmt.Fprintf(out, "  Go: %s\n", info.GoVersion)
		return nil
	},
}

// configCmd manages CLI configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage scout configuration",
	Long: `View and create the scout configuration file.

Values are layered: built-in defaults, then the config file, then SCOUT_*
environment variables. --config selects a file other than ~/.scout/config.yaml.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the effective configuration as YAML. API keys and passwords are masked.

Examples:
  scout config show
  SCOUT_SCORE_THRESHOLD=70 scout config show`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		data, err := config.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		path, _ := configPath()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n", path)
		_, err = out.Write(data)
		return err
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	Long: `Create a configuration file with default values if one doesn't exist.

Examples:
  scout config init
  scout config init --force
  scout --config ./scout.yaml config init`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return fmt.Errorf("getting config path: %w", err)
		}
		out := cmd.OutOrStdout()

		if _, err := os.Stat(path); err == nil && !configInitForce {
			fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
			fmt.Fprintln(out, "Use 'scout config show' to view current settings, or --force to overwrite.")
			return nil
		}

		defaults := config.DefaultConfig()
		if err := config.SaveConfigTo(defaults, path); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}

		fmt.Fprintf(out, "Created configuration file: %s\n", path)
		fmt.Fprintln(out, "\nDefault settings:")
		fmt.Fprintf(out, "  Confidence threshold: %.2f\n", defaults.Thresholds.Confidence)
		fmt.Fprintf(out, "  Score threshold:      %d\n", defaults.Thresholds.Score)
		fmt.Fprintf(out, "  Model:                %s\n", defaults.LLM.Model)
		fmt.Fprintf(out, "  Output directory:     %s\n", defaults.Paths.OutputDir)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for scout.

Bash:
  $ source <(scout completion bash)

Zsh:
  $ scout completion zsh > "${fpath[1]}/_scout"

Fish:
  $ scout completion fish | source

PowerShell:
  PS> scout completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.scout/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	// Pipeline
	evaluateDeps := cmd.DefaultEvaluateDeps()
	evaluateDeps.LoadConfig = loadConfig
	evaluateCmd := cmd.NewEvaluateCommand(evaluateDeps)
	evaluateCmd.GroupID = "pipeline"
	rootCmd.AddCommand(evaluateCmd)

	exportDeps := cmd.DefaultExportDeps()
	exportDeps.LoadConfig = loadConfig
	exportCmd := cmd.NewExportCommand(exportDeps)
	exportCmd.GroupID = "pipeline"
	rootCmd.AddCommand(exportCmd)

	// Operations
	queueDeps := cmd.DefaultQueueDeps()
	queueDeps.LoadConfig = loadConfig
	queueCmd := cmd.NewQueueCommand(queueDeps)
	queueCmd.GroupID = "ops"
	rootCmd.AddCommand(queueCmd)

	workerDeps := cmd.DefaultWorkerDeps()
	workerDeps.LoadConfig = loadConfig
	workerDeps.ConfigPath = configPath
	workerCmd := cmd.NewWorkerCommand(workerDeps)
	workerCmd.GroupID = "ops"
	rootCmd.AddCommand(workerCmd)

	dbDeps := cmd.DefaultDbDeps()
	dbDeps.LoadConfig = loadConfig
	dbCmd := cmd.NewDbCommand(dbDeps)
	dbCmd.GroupID = "ops"
	rootCmd.AddCommand(dbCmd)

	// Setup
	configCmd.GroupID = "setup"
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)

	authCmd := cmd.NewAuthCommand(nil)
	authCmd.GroupID = "setup"
	rootCmd.AddCommand(authCmd)

	completionCmd.GroupID = "setup"
	rootCmd.AddCommand(completionCmd)

	versionCmd.GroupID = "setup"
	versionCmd.Flags().BoolVar(&versionOutputJSON, "output-json", false, "Output as JSON")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Commands observe ctx and unwind on SIGINT/SIGTERM; the worker drains its pool.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
