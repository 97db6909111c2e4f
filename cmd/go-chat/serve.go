package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-chat/internal/server"
	"github.com/a-essam23/go-chat/pkg/config"
	"github.com/a-essam23/go-chat/pkg/logging"
	"github.com/a-essam23/go-chat/pkg/store/sqlite"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		repo, err := sqlite.Open(ctx, cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer repo.Close()
		logger.Info("Store opened", slog.String("path", cfg.Store.Path))

		app, err := server.NewApp(logger, cfg, repo)
		if err != nil {
			return err
		}
		if err := app.Run(ctx); err != nil {
			logger.Error("Application run failed", slog.Any("error", err))
			return err
		}
		logger.Info("Application shut down successfully.")
		return nil
	},
}

// loadConfig loads the configuration with a bootstrap logger, then builds
// the logger the configuration asks for.
func loadConfig() (*config.Config, *slog.Logger, error) {
	bootstrap := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootstrap, cfgFile)
	if err != nil {
		bootstrap.Error("Failed to load configuration", slog.Any("error", err))
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(level, logging.WithFormat(logging.Format(cfg.Log.Format)))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
