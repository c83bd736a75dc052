package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/migrations"
	"github.com/otherjamesbrown/board-signal-scout/pkg/db"
)

// DbCommandDeps holds the dependencies for database commands.
type DbCommandDeps struct {
	LoadConfig  func() (*config.ScoutConfig, error)
	ConnectToDB func(context.Context, *config.ScoutConfig) (*pgxpool.Pool, error)
	Migrations  fs.FS
}

// DefaultDbDeps returns the default dependencies for production use.
func DefaultDbDeps() *DbCommandDeps {
	return &DbCommandDeps{
		LoadConfig:  config.LoadConfig,
		ConnectToDB: connectToDatabase,
		Migrations:  migrations.FS,
	}
}

// NewDbCommand creates the db command group.
func NewDbCommand(deps *DbCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDbDeps()
	}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Manage the PostgreSQL schema used by --store postgres.

Migrations are compiled into the binary and applied in file-name order, each
in its own transaction, and recorded in schema_migrations. Connection settings
come from database.* in the config file or DATABASE_URL / DB_* variables.

Examples:
  scout db status
  scout db migrate
  scout db migrate --target 001 --dry-run`,
		Aliases: []string{"database"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))
	return cmd
}

func newDbMigrateCommand(deps *DbCommandDeps) *cobra.Command {
	var (
		target string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending migrations. A failing migration is rolled back and no
further migrations are attempted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			pool, err := deps.connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close(pool)

			if dryRun {
				status, err := db.Status(ctx, pool, deps.Migrations)
				if err != nil {
					return err
				}
				pending := pendingUpTo(status.Pending, target)
				if len(pending) == 0 {
					fmt.Fprintln(out, "No pending migrations.")
					return nil
				}
				fmt.Fprintf(out, "Pending migrations (%d):\n", len(pending))
				for _, m := range pending {
					fmt.Fprintf(out, "  %s\n", m.Version)
				}
				fmt.Fprintln(out, "\nDry run mode: no migrations applied.")
				return nil
			}

			result, err := db.Migrate(ctx, pool, deps.Migrations, target)
			if result != nil {
				printMigrationResult(out, result)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Apply migrations up to and including this version (e.g. 001)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without executing")
	return cmd
}

// pendingUpTo trims pending to entries at or before target.
func pendingUpTo(pending []db.MigrationStatusEntry, target string) []db.MigrationStatusEntry {
	if target == "" {
		return pending
	}
	for i, m := range pending {
		if db.MatchVersion(m.Version, target) {
			return pending[:i+1]
		}
	}
	return pending
}

func printMigrationResult(w io.Writer, result *db.MigrationResult) {
	if len(result.Applied) == 0 {
		fmt.Fprintln(w, "Database is up to date.")
	} else {
		fmt.Fprintf(w, "Applied %d migration(s):\n", len(result.Applied))
		for _, v := range result.Applied {
			fmt.Fprintf(w, "  ✓ %s\n", v)
		}
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped %d migration(s) (already applied)\n", len(result.Skipped))
	}
}

// migrationRow is the json/yaml shape of one status entry.
type migrationRow struct {
	Version   string     `json:"version" yaml:"version"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

type migrationReport struct {
	Applied []migrationRow `json:"applied" yaml:"applied"`
	Pending []migrationRow `json:"pending" yaml:"pending"`
	Drift   []migrationRow `json:"drift,omitempty" yaml:"drift,omitempty"`
}

func toRows(entries []db.MigrationStatusEntry) []migrationRow {
	rows := make([]migrationRow, len(entries))
	for i, e := range entries {
		rows[i] = migrationRow{Version: e.Version, AppliedAt: e.AppliedAt}
	}
	return rows
}

func newDbStatusCommand(deps *DbCommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show applied and pending migrations, and drift: versions recorded in
the database whose file no longer exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := deps.connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close(pool)

			status, err := db.Status(ctx, pool, deps.Migrations)
			if err != nil {
				return err
			}
			return printMigrationStatus(cmd.OutOrStdout(), output, status)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

func printMigrationStatus(w io.Writer, format string, status *db.MigrationStatus) error {
	report := migrationReport{
		Applied: toRows(status.Applied),
		Pending: toRows(status.Pending),
		Drift:   toRows(status.Drift),
	}
	if ok, err := writeFormatted(w, format, report); ok {
		return err
	}

	section := func(title string, rows []migrationRow, withTime bool) {
		if len(rows) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(rows))
		for _, r := range rows {
			if withTime && r.AppliedAt != nil {
				fmt.Fprintf(w, "  %-30s %s\n", r.Version, r.AppliedAt.Local().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintf(w, "  %s\n", r.Version)
			}
		}
		fmt.Fprintln(w)
	}
	section("Applied Migrations", report.Applied, true)
	section("Pending Migrations", report.Pending, false)
	section("Drift - applied but file missing", report.Drift, true)

	if len(report.Applied)+len(report.Pending)+len(report.Drift) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return nil
	}
	fmt.Fprintf(w, "Summary: %d applied, %d pending", len(report.Applied), len(report.Pending))
	if len(report.Drift) > 0 {
		fmt.Fprintf(w, ", %d drift", len(report.Drift))
	}
	fmt.Fprintln(w)
	return nil
}

func (d *DbCommandDeps) connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := d.ConnectToDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}
