// Package main is the entry point for the email worker.
//
// The worker consumes job references from the email queue and runs each
// through the JobProcessor: load the job, send it through the provider
// registry with failover, record the outcome. Failed jobs are left on the
// queue with a backoff visibility timeout until the attempt ceiling is hit.
//
// Two runtimes share the same handler:
//   - Lambda (AWS_LAMBDA_RUNTIME_API set): SQS trigger with partial batch
//     failures. Live counters are flushed after every batch because a frozen
//     function cannot rely on the background flush.
//   - Local or container: a long-poll loop plus an HTTP listener serving
//     /health and /metrics on PORT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"courier/internal/api/handlers"
	"courier/internal/app"
	"courier/internal/config"
	"courier/internal/core"
	ncore "courier/internal/notifications/core"
	"courier/internal/queue"
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

	logger := app.NewLogger(cfg.LogLevel).With("service", "email-worker")
	logger.Info("email worker initializing",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"queue_url", cfg.AWS.EmailQueue,
		"concurrency", cfg.Email.WorkerConcurrency,
	)

	ctx := context.Background()
	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}
	defer func() {
		if err := comps.Close(context.Background()); err != nil {
			logger.Error("failed to close connections", "error", err)
		}
	}()

	policy := retryPolicy(cfg)

	if isLambdaEnvironment() {
		batch := queue.NewBatchHandler(comps.Processor, comps.SQS, cfg.AWS.EmailQueue, cfg.Email.WorkerConcurrency, policy, logger)
		lambda.Start(flushAfter(batch.Handle, comps.FlushMetrics, logger))
		return nil
	}

	return runPoller(comps, policy, logger)
}

// retryPolicy applies the configured attempt ceiling to the default backoff.
func retryPolicy(cfg *config.Config) ncore.RetryPolicy {
	policy := ncore.EmailRetryPolicy
	if cfg.Email.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Email.MaxAttempts
	}
	return policy
}

type sqsHandlerFunc func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error)

// flushAfter wraps handler so live counters reach the rollup table before the
// invocation returns. A flush failure is logged; the batch result stands.
func flushAfter(handler sqsHandlerFunc, flush func(context.Context) error, logger *slog.Logger) sqsHandlerFunc {
	return func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		resp, err := handler(ctx, ev)
		if flushErr := flush(context.WithoutCancel(ctx)); flushErr != nil {
			logger.ErrorContext(ctx, "metrics flush after batch failed", "error", flushErr)
		}
		return resp, err
	}
}

// runPoller long-polls the queue until SIGINT or SIGTERM. /health and
// /metrics are served alongside.
func runPoller(comps *app.Components, policy ncore.RetryPolicy, logger *slog.Logger) error {
	cfg := comps.Config
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := core.NewHealthMonitor(core.HealthMonitorConfig{
		HealthyLatency:  cfg.Health.HealthyLatency,
		DegradedLatency: cfg.Health.DegradedLatency,
		Critical:        []string{"database", "queue"},
	}, types.RealClock{}, logger,
		core.NewProbe("database", comps.DatabaseProbe()),
		core.NewProbe("queue", comps.QueueProbe()),
	)
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	srv.Health = monitor
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, handlers.PrometheusRoute(comps.Prometheus))
	srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker status listener started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker status listener failed", "error", err)
		}
	}()

	aggregatorDone := make(chan struct{})
	go func() {
		defer close(aggregatorDone)
		comps.Aggregator.Run(ctx, cfg.Metrics.FlushInterval)
	}()
	go monitor.Run(ctx, cfg.Health.MonitorInterval)

	poller := queue.NewPoller(comps.SQS, comps.Processor, queue.PollerConfig{
		QueueURL:    cfg.AWS.EmailQueue,
		Concurrency: cfg.Email.WorkerConcurrency,
		WaitTime:    cfg.Email.PollWait,
		Policy:      policy,
	}, logger)
	runErr := poller.Run(ctx)
	if runErr != nil {
		logger.Error("poller stopped", "error", runErr)
	}

	// The aggregator performs its final flush once ctx is cancelled.
	stop()
	<-aggregatorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker status listener shutdown error", "error", err)
	}

	logger.Info("email worker stopped")
	return runErr
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}
