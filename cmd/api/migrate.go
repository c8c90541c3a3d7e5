package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"postwork/api/internal/config"
	"postwork/api/internal/logger"
	"postwork/api/internal/store"
)

const migrateTimeout = 2 * time.Minute

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrateUp,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back applied migrations, newest first",
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether each is applied",
	RunE:  runMigrateStatus,
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back (0 rolls back all)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withMigrationDB runs fn against a freshly opened database under the
// migration timeout.
func withMigrationDB(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, log *logger.Logger, db *sql.DB) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, cfg, log, db)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	return withMigrationDB(cmd, func(ctx context.Context, cfg config.Config, log *logger.Logger, db *sql.DB) error {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		log.Info().Str("dir", cfg.MigrationsDir).Strs("applied", applied).Msg("migrations applied")
		return nil
	})
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	if migrateSteps < 0 {
		return fmt.Errorf("--steps must not be negative, got %d", migrateSteps)
	}
	return withMigrationDB(cmd, func(ctx context.Context, cfg config.Config, log *logger.Logger, db *sql.DB) error {
		rolledBack, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, migrateSteps)
		if err != nil {
			return err
		}
		log.Info().Str("dir", cfg.MigrationsDir).Strs("rolled_back", rolledBack).Msg("migrations rolled back")
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	return withMigrationDB(cmd, func(ctx context.Context, cfg config.Config, _ *logger.Logger, db *sql.DB) error {
		states, err := store.MigrationStatus(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, state := range states {
			status := "pending"
			switch {
			case state.Missing:
				status = "applied (files missing)"
			case state.Applied:
				status = "applied"
			}
			when := ""
			if state.AppliedAt != nil {
				when = state.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%-32s %-24s %s\n", state.Version, status, when)
		}
		return nil
	})
}
