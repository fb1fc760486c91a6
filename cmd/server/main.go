package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skridlevsky/timeline-votes/internal/api"
	"github.com/skridlevsky/timeline-votes/internal/config"
	"github.com/skridlevsky/timeline-votes/internal/db"
	"github.com/skridlevsky/timeline-votes/internal/logging"
	"github.com/skridlevsky/timeline-votes/internal/metrics"
	"github.com/skridlevsky/timeline-votes/internal/votes"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		slog.Error("Database setup failed", "error", err)
		os.Exit(1)
	}
	// database.Close() runs explicitly after the server drains

	voteStore := votes.NewPGStore(database.Pool())

	routerResult := api.NewRouter(&api.RouterConfig{
		Database:     database,
		Votes:        voteStore,
		Auth:         voteStore,
		Registry:     metrics.NewRegistry(),
		CORSOrigins:  api.ParseOrigins(cfg.CORSOrigins),
		CORSAllowAll: cfg.CORSOrigins == "*",
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routerResult.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")

	routerResult.RateLimiters.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Closing database connection...")
	database.Close()

	slog.Info("Server exited")
}

// openDatabase connects and applies pending migrations. RunMigrations logs
// its own summary.
func openDatabase(ctx context.Context, cfg *config.Server) (*db.Postgres, error) {
	database, err := db.NewPostgres(ctx, cfg.DatabaseURL, db.PoolSettings{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.RunMigrations(ctx, database.Pool()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}
