package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hray3182/loopmatic/internal/config"
	"github.com/hray3182/loopmatic/internal/database"
	"github.com/hray3182/loopmatic/internal/logger"
	"github.com/hray3182/loopmatic/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "loopmatic",
		Short: "Recurring reminders and habit streaks over Telegram",
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to YAML config (default $CONFIG_FILE or config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

// setup loads configuration and builds the logger shared by every command.
func setup(opts *rootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

// openStore connects to PostgreSQL when a URI is configured and to SQLite
// otherwise, applying pending migrations either way.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, error) {
	if cfg.Database.URI != "" {
		db, err := database.New(ctx, cfg.Database.URI, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, log); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("using PostgreSQL store")
		return repository.NewPostgresRepository(db), nil
	}

	db, err := database.OpenSQLite(cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := database.MigrateSQLite(ctx, db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	repo, err := repository.NewSQLiteRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("using SQLite store", zap.String("path", cfg.Database.SQLitePath))
	return repo, nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply database migrations and exit",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			log.Info("database migrations completed")
			return store.Close()
		},
	}
}
