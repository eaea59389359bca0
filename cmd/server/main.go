package main

// Package main is the entry point for the efi-brain server application.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite failure-card corpus
//   - Wire the embedding, similarity, learning, and pattern-detection
//     components
//   - Start the REST API server plus the /ws/alerts WebSocket broadcaster
//   - Implement graceful shutdown on SIGINT/SIGTERM
//
// Data Flow:
//   1. Ticket closures (ERP core) → learning events (queued, batch-processed)
//   2. Learning events → failure card matches or new draft cards
//   3. Processed events → pattern detection → model risk alerts
//   4. REST + WebSocket expose the corpus, stats, and alerts to callers

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/config"
	"github.com/voltgarage/efi-brain/internal/logging"
	"github.com/voltgarage/efi-brain/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/efi-brain/config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx := context.Background()

	// Load configuration from file, environment, and defaults
	mgr, err := config.NewConfigManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	// Build the process logger
	logger, err := logging.NewLogger(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create server with all components wired together
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	// Wait for shutdown signal (Ctrl+C or SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		logger.Error("error stopping server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
