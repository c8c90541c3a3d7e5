package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"postwork/api/internal/config"
	"postwork/api/internal/logger"
	"postwork/api/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "postwork-api",
	Short:         "Collaborative code review API",
	Long:          "Serves projects, versions, line comments and live editing rooms over HTTP and WebSocket.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "postwork-api: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the process logger shared by
// every subcommand.
func bootstrap() (config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	return cfg, log, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBPool.MaxOpenConns,
		MaxIdleConns:    cfg.DBPool.MaxIdleConns,
		ConnMaxLifetime: cfg.DBPool.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBPool.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}
