// Command server is the fin-agent entry point: a single-tenant backend for
// agent-driven strategy research. It loads configuration, wires the
// container (databases, repositories, services, jobs), starts the HTTP API
// and the background scheduler, and shuts everything down on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/di"
	"github.com/aristath/finagent/internal/server"
	"github.com/aristath/finagent/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("home", cfg.Paths.Root).Msg("Starting fin-agent")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := container.StartBackground(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start background services")
	}

	srv := server.New(container.ServerDeps())
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server stopped")
}
