// Package main applies the embedded schema migrations.
//
// Usage:
//
//	go run ./cmd/ops/migrate
//	go run ./cmd/ops/migrate --status
//	go run ./cmd/ops/migrate --region=us-east-1 --timeout=2m
//
// Only DATABASE_URL is read (directly, from .env, or through
// DATABASE_URL_SSM_PARAM outside APP_ENV=local), so the tool runs without the
// full service configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"courier/internal/app"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/types"
)

func main() {
	status := flag.Bool("status", false, "print migration status instead of migrating")
	region := flag.String("region", os.Getenv("AWS_REGION"), "AWS region for SSM parameter resolution")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	logger := app.NewLogger(os.Getenv("LOG_LEVEL")).With("tool", "migrate")

	if err := run(logger, *region, *status, *timeout); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, region string, status bool, timeout time.Duration) error {
	_ = godotenv.Load()

	var secrets config.SecretProvider
	if region != "" {
		secrets = config.NewSSMProvider(region)
	}
	if err := config.ResolveSecrets(secrets); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	dbCfg, err := databaseConfig(os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if status {
		return db.MigrationStatus(ctx, pool, logger)
	}

	start := time.Now()
	if err := db.Migrate(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("migrations applied", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// databaseConfig builds a small pool configuration for a one-off tool.
func databaseConfig(url string) (config.DatabaseConfig, error) {
	if url == "" {
		return config.DatabaseConfig{}, errors.New("DATABASE_URL is not set")
	}
	return config.DatabaseConfig{
		URL:               types.SecretString(url),
		MaxConns:          2,
		MinConns:          0,
		MaxConnLifetime:   10 * time.Minute,
		AcquireTimeout:    10 * time.Second,
		HealthCheckPeriod: time.Minute,
	}, nil
}
