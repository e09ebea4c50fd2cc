// Package main runs a mock agent session backend for local development and
// end-to-end tests. It serves the REST routes and live websocket endpoint
// the kibble client consumes and answers user messages from a scenario.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/common/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	tracing.Configure("kibble-mock-session")

	// 3. Load the reply scenario
	scenario, err := loadScenario(cfg.Mock.ScenarioPath)
	if err != nil {
		log.Fatal("Failed to load scenario", zap.Error(err))
	}

	// 4. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := newServer(scenario, log)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Mock.Port),
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Mock session backend listening",
			zap.Int("port", cfg.Mock.Port),
			zap.String("scenario", scenario.Name))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 5. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mock session backend...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Debug("tracing shutdown error", zap.Error(err))
	}
}
