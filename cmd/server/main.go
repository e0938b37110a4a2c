/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the storage ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then apply flags
  2. Open the store: Postgres when DATABASE_URL is set, SQLite otherwise
  3. Build the engine and HTTP handler
  4. Start the weekly snapshot scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port          HTTP server port
  -db            SQLite database path; ":memory:" for an in-memory database
  -database-url  Postgres connection URL
  -scheduler     Enable the weekly scheduler

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels an in-flight run; it is safe to re-run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -db=":memory:" -port=3000
  DATABASE_URL=postgres://localhost/ledger ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/api"
	"github.com/warp/storage-ledger/config"
	"github.com/warp/storage-ledger/storage"
	"github.com/warp/storage-ledger/store/postgres"
	"github.com/warp/storage-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	databaseURL := flag.String("database-url", cfg.DatabaseURL, "Postgres connection URL (overrides -db)")
	schedulerEnabled := flag.Bool("scheduler", cfg.SchedulerEnabled, "Run the weekly snapshot scheduler")
	flag.Parse()

	cfg.Port = *port
	cfg.DBPath = *dbPath
	cfg.DatabaseURL = *databaseURL
	cfg.SchedulerEnabled = *schedulerEnabled
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	log := cfg.Logger()

	// Initialize store
	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer closeStore()

	engine := storage.NewEngine(store, log, storage.EngineOptions{
		WarehouseTimeout: cfg.WarehouseTimeout,
		Concurrency:      cfg.SnapshotConcurrency,
	})
	handler := api.NewHandler(store, engine, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Caller:         api.TokenResolver{Token: cfg.AdminToken},
	})
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is not set; admin routes will refuse every caller")
	}

	scheduler := api.NewWeeklyScheduler(engine, log)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.CalculateCosts = cfg.SchedulerCalculateCosts
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
}

func openStore(cfg *config.Config) (api.Backend, func(), error) {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	}

	lite, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return lite, func() { lite.Close() }, nil
}
