// Package main is the entry point for the courier API.
//
// It loads configuration, assembles the engine (database, provider registry,
// dispatcher, queue producer, metrics aggregator), mounts the HTTP routes and
// serves them either as a local HTTP server or as a Lambda behind API
// Gateway (detected through AWS_LAMBDA_RUNTIME_API).
//
// Background loops started here:
//   - the metrics aggregator flushes live counters into rollups
//   - the health monitor probes database, cache and queue
//   - the integration health checker verifies provider credentials
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/api/handlers"
	"courier/internal/app"
	"courier/internal/config"
	"courier/internal/core"
	"courier/internal/db"
	"courier/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var secrets config.SecretProvider
	if region := os.Getenv("AWS_REGION"); region != "" {
		secrets = config.NewSSMProvider(region)
	}
	cfg, err := config.LoadConfig(secrets)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("courier API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, comps.Pool, logger); err != nil {
			_ = comps.Close(ctx)
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	probes := []core.HealthProbe{
		core.NewProbe("database", comps.DatabaseProbe()),
		core.NewProbe("queue", comps.QueueProbe()),
	}
	if probe := comps.CacheProbe(); probe != nil {
		probes = append(probes, core.NewProbe("cache", probe))
	}
	monitor := core.NewHealthMonitor(core.HealthMonitorConfig{
		HealthyLatency:  cfg.Health.HealthyLatency,
		DegradedLatency: cfg.Health.DegradedLatency,
		Critical:        []string{"database"},
	}, types.RealClock{}, logger, probes...)

	srv, err := buildServer(cfg, logger, serverDeps{
		Sender:     comps.Dispatcher,
		Admin:      comps.Admin,
		Ingestor:   comps.Ingestor,
		Unsub:      comps.Reputation,
		Metrics:    comps.Aggregator,
		Gatherer:   comps.Prometheus,
		Registerer: comps.Prometheus,
		Health:     monitor,
	})
	if err != nil {
		_ = comps.Close(ctx)
		return fmt.Errorf("creating server: %w", err)
	}

	// Background loops stop before the connections they use are closed.
	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	startLoop := func(fn func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			fn(loopCtx)
		}()
	}
	startLoop(func(ctx context.Context) { comps.Aggregator.Run(ctx, cfg.Metrics.FlushInterval) })
	startLoop(func(ctx context.Context) { monitor.Run(ctx, cfg.Health.MonitorInterval) })
	startLoop(func(ctx context.Context) { comps.Health.Run(ctx, cfg.Health.IntegrationInterval) })

	srv.OnShutdown(comps.Close)
	srv.OnShutdown(func(context.Context) error {
		stopLoops()
		loops.Wait()
		comps.Health.Wait()
		return nil
	})

	if isLambdaEnvironment() {
		logger.Info("starting in Lambda mode")
		lambda.Start(srv.HandleAPIGateway)
		return nil
	}

	return runHTTPServer(srv, cfg, logger)
}

// serverDeps are the engine surfaces the HTTP layer needs.
type serverDeps struct {
	Sender     handlers.EmailSender
	Admin      handlers.IntegrationAdministrator
	Ingestor   handlers.WebhookIngestor
	Unsub      handlers.Unsubscriber
	Metrics    handlers.MetricsReader
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	Health     *core.HealthMonitor
}

// buildServer creates the server and mounts every route.
func buildServer(cfg *config.Config, logger *slog.Logger, deps serverDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Health = deps.Health
	if deps.Registerer != nil {
		srv.Metrics = core.NewRequestMetrics(deps.Registerer)
	}

	webhooks := handlers.NewEmailWebhookHandler(deps.Ingestor, deps.Unsub, logger)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhooks.RegisterRoutes)
	if deps.Gatherer != nil {
		srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, handlers.PrometheusRoute(deps.Gatherer))
	}

	send := handlers.NewSendHandler(deps.Sender, srv.Validator, logger)
	integrations := handlers.NewIntegrationHandler(deps.Admin, srv.Validator, logger)
	metrics := handlers.NewMetricsHandler(deps.Metrics, cfg.Metrics.DefaultWindowDays, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		send.RegisterRoutes,
		integrations.RegisterRoutes,
		metrics.RegisterRoutes,
	)

	srv.MountRoutes()
	return srv, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Flushes the last metrics interval and closes the pools.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown: %w", err)
		}
	}

	if runErr == nil {
		logger.Info("server stopped cleanly")
	}
	return runErr
}
