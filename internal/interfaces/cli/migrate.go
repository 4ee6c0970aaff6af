package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/ABLab/internal/config"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres"
)

// newMigrateCmd returns the ablab migrate subcommand. Unlike the server-backed
// commands it connects to PostgreSQL directly.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations",
		Long: `Apply or roll back the embedded PostgreSQL schema migrations.

The migrate command connects to the database directly using the database
section of the configuration; no API server is required.`,
	}

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateDownCmd())
	cmd.AddCommand(newMigrateVersionCmd())

	return cmd
}

// migratorFromCommand builds a migrator from the CLI context's database
// configuration.
func migratorFromCommand(cmd *cobra.Command) (*postgres.Migrator, error) {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return nil, err
	}
	return postgres.NewMigrator(postgresConfig(cliCtx.Config.Database), cliCtx.Logger), nil
}

// postgresConfig maps the application database configuration onto the
// postgres package's own config type.
func postgresConfig(db config.DatabaseConfig) postgres.Config {
	return postgres.Config{
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		DBName:          db.DBName,
		SSLMode:         db.SSLMode,
		MaxConns:        int32(db.MaxConns),
		MinConns:        int32(db.MinConns),
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	}
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := migratorFromCommand(cmd)
			if err != nil {
				return err
			}
			if err := m.Up(); err != nil {
				return err
			}
			PrintSuccess(cmd, "database schema is up to date")
			return nil
		},
	}
}

func newMigrateDownCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1, got %d", steps)
			}
			m, err := migratorFromCommand(cmd)
			if err != nil {
				return err
			}
			if err := m.Rollback(steps); err != nil {
				return err
			}
			PrintSuccess(cmd, fmt.Sprintf("rolled back %d migration step(s)", steps))
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migration steps to roll back")

	return cmd
}

func newMigrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := migratorFromCommand(cmd)
			if err != nil {
				return err
			}
			version, dirty, err := m.Status()
			if err != nil {
				return err
			}
			if version == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}
