package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/xaenox/perfume-chat/internal/app"
	"github.com/xaenox/perfume-chat/internal/catalog"
	"github.com/xaenox/perfume-chat/internal/storage"
	"github.com/xaenox/perfume-chat/pkg/config"
	"go.uber.org/zap"
)

const defaultConfigPath = "config.yaml"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "perfume-chat",
		Short:         "Perfume recommendation chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat API",
		RunE:  runServe,
	}

	botCmd = &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram bot",
		RunE:  runBot,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema and exit",
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, botCmd, migrateCmd)
}

// loadConfig reads the config file. The default file is optional so the
// service can run from environment variables alone.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		logger.Info("Configuration loaded", zap.String("path", path))
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close(context.Background())

	if err := a.Server().Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		return err
	}
	return nil
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close(context.Background())

	b, err := a.Bot()
	if err != nil {
		logger.Error("Failed to create bot", zap.Error(err))
		return err
	}

	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
		return err
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Database.UseInMemory {
		return errors.New("nothing to migrate: database.use_in_memory is set")
	}

	store, err := app.OpenStorage(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Search.Backend == "postgres" {
		pg, ok := store.(*storage.PostgresStorage)
		if !ok {
			return errors.New("search.backend postgres requires PostgreSQL storage")
		}
		if err := catalog.Migrate(cmd.Context(), pg.DB()); err != nil {
			return err
		}
	}

	logger.Info("Schema is up to date", zap.String("dbname", cfg.Database.DBName))
	return nil
}
