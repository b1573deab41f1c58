// Package main runs the relay server: the task API, the provider webhook
// receiver, the poll endpoints and the /v1 reverse proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("relay-api: %v", err)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	lg, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	lg.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.String("scheduler", cfg.Scheduler.Backend),
		slog.Bool("provider_mock", cfg.Provider.Mock),
		slog.Bool("archive_enabled", cfg.Archive.Enabled))

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, lg)
	if err != nil {
		return err
	}
	return app.startHTTPServer(ctx, app.setupRouter())
}
