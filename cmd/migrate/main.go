package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"MarginLedger/internal/config"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
)

var (
	envFile       string
	postgresURL   string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply or roll back MarginLedger schema migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
		return m.Up(ctx)
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	Args:  cobra.NoArgs,
	RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
		return m.Down(ctx)
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
		}
		return w.Flush()
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading MARGIN_* variables")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres", "", "Postgres connection string (default $MARGIN_POSTGRES_DSN)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory (default $MARGIN_MIGRATIONS_DIR)")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

// withMigrator resolves the connection settings, opens the database and
// hands a migrator to fn.
func withMigrator(fn func(context.Context, *persistence.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		cfg, err := config.Load(files...)
		if err != nil {
			return err
		}
		if postgresURL != "" {
			cfg.PostgresURL = postgresURL
		}
		if migrationsDir != "" {
			cfg.MigrationsDir = migrationsDir
		}

		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		return fn(cmd.Context(), persistence.NewMigrator(db, cfg.MigrationsDir))
	}
}

func main() {
	log := observability.NewLogger("migrate")
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}
