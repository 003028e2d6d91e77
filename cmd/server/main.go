/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the service recurrence engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Create API handler, engine and sweeper
  5. Configure HTTP router
  6. Start the overdue sweep schedule (if enabled)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --port              HTTP server port (default: 8080)
  --db                SQLite database path (default: service-engine.db)
                      Use ":memory:" for in-memory database
  --log-level         debug, info, warn, error (default: info)
  --log-format        json or console (default: json)
  --log-development   Development logging
  --sweep-enabled     Run the overdue sweep on a schedule (default: true)
  --sweep-schedule    Cron spec (default: "0 9 * * *")
  --cors-origins      Allowed CORS origins
  --shutdown-timeout  Graceful shutdown timeout (default: 30s)

ENVIRONMENT:
  Every flag has a SERVICE_ENGINE_ variable, e.g. SERVICE_ENGINE_LOG_LEVEL.
  A .env file in the working directory is read if present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep schedule
  2. Stop accepting new connections
  3. Wait for active requests to complete
  4. Close database connection

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/warp/service-engine/api"
	"github.com/warp/service-engine/config"
	"github.com/warp/service-engine/logger"
	"github.com/warp/service-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, log, time.Now)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORS.Origins})

	if cfg.Sweep.Enabled {
		if err := handler.Sweeper.Start(cfg.Sweep.Schedule); err != nil {
			return err
		}
	} else {
		log.Info("sweeper disabled")
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.DB),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		handler.Sweeper.Stop(context.Background())
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()

	handler.Sweeper.Stop(ctx)
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
