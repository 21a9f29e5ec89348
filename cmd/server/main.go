// PayzBridge - Reconciliation bridge between PayzCore crypto payments and
// commerce orders
package main

import (
	"context"
	"os"

	"github.com/payzcore/payzbridge/internal/config"
	"github.com/payzcore/payzbridge/internal/logging"
	"github.com/payzcore/payzbridge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting payzbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Rebuild the logger with the configured level.
	logger = logging.New(cfg.LogLevel, "text")

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"payzcore_url", cfg.MonitoringBaseURL,
		"commerce_url", cfg.CommerceBaseURL,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
