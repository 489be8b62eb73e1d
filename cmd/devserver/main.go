package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yochat/client/internal/devserver"
	"yochat/client/pkg/config"
	"yochat/client/pkg/logger"
	"yochat/client/shared/observability"
)

func main() {
	// Loads .env on first use
	cfg := config.New()

	// Initialize structured logger
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("Starting development server", "env", cfg.DevServer.Env, "version", os.Getenv("APP_VERSION"))

	shutdown, err := observability.Setup("yochat-devserver", cfg.Observability.MetricsAddr,
		cfg.Observability.TracingEnabled, os.Stdout, log)
	if err != nil {
		log.LogError(err, "Failed to set up observability")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(cfg, log)
	if err := srv.ListenAndServe(ctx, ":"+cfg.DevServer.Port); err != nil {
		log.LogError(err, "Server failed")
		os.Exit(1)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(flushCtx); err != nil {
		log.LogError(err, "Failed to flush telemetry")
	}
}
