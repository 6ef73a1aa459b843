package main

import (
	"os"

	"github.com/vopenia-io/transcription-agent/internal/config"
	"github.com/vopenia-io/transcription-agent/internal/logging"
	"github.com/vopenia-io/transcription-agent/internal/version"
	"github.com/vopenia-io/transcription-agent/internal/worker"
)

func main() {
	// Initialize logging
	logging.Init()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)

	logging.Info(logging.CategoryApp, "starting transcription-agent version=%s", version.Version)

	// Create worker
	w, err := worker.NewWorker(cfg)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to create worker: %v", err)
		os.Exit(1)
	}

	// Start worker (blocks until shutdown)
	if err := w.Start(); err != nil {
		logging.Fail(logging.CategoryApp, "worker failed: %v", err)
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "worker shutdown complete")
}
