// Package app assembles the component graph shared by the courier
// binaries: the Postgres pool and repositories, the provider registry and
// dispatcher, the job queue, the live counter store and the metrics sinks.
// Each binary builds it once at cold start and picks the parts it serves.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/external"
	ncore "courier/internal/notifications/core"
	"courier/internal/notifications/email"
	"courier/internal/queue"
	"courier/internal/security"
	"courier/internal/types"
)

const (
	providerHTTPTimeout = 10 * time.Second
	smtpDialTimeout     = 10 * time.Second
)

var (
	_ email.IntegrationStore = (*db.IntegrationRepository)(nil)
	_ email.JobStore         = (*db.JobRepository)(nil)
	_ email.EventStore       = (*db.EventRepository)(nil)
	_ email.RecipientStore   = (*db.RecipientRepository)(nil)
	_ email.TemplateStore    = (*db.TemplateRepository)(nil)
	_ ncore.RollupStore      = (*db.RollupRepository)(nil)
	_ email.JobQueue         = (*queue.Producer)(nil)
	_ email.MetricsRecorder  = (*ncore.Aggregator)(nil)
)

// Repositories groups the Postgres-backed stores.
type Repositories struct {
	Integrations *db.IntegrationRepository
	Jobs         *db.JobRepository
	Events       *db.EventRepository
	Recipients   *db.RecipientRepository
	Rollups      *db.RollupRepository
	Templates    *db.TemplateRepository
}

// Components is the assembled engine. Redis is nil when REDIS_URL is empty
// and the in-memory counter store is in use.
type Components struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client
	AWS   aws.Config
	Repos Repositories

	Prometheus *prometheus.Registry
	Metrics    ncore.NotificationMetrics
	Counters   ncore.CounterStore
	Aggregator *ncore.Aggregator

	Breakers    *external.BreakerSet
	Credentials *email.CredentialStore
	Registry    *email.Registry
	Health      *email.HealthChecker
	Producer    *queue.Producer
	Reputation  *email.ReputationTracker
	Dispatcher  *email.Dispatcher
	Ingestor    *email.Ingestor
	Admin       *email.IntegrationAdmin
	Processor   *email.JobProcessor

	SQS *sqs.Client

	closers []func(context.Context) error
}

// Build connects to Postgres (and Redis when configured), loads the AWS
// configuration and wires every engine component. On error everything
// opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Components, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	typed := TypedLogger(logger)
	c := &Components{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	c.Pool, err = db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	c.onClose(func(context.Context) error {
		c.Pool.Close()
		return nil
	})
	c.Repos = Repositories{
		Integrations: db.NewIntegrationRepository(c.Pool),
		Jobs:         db.NewJobRepository(c.Pool),
		Events:       db.NewEventRepository(c.Pool),
		Recipients:   db.NewRecipientRepository(c.Pool),
		Rollups:      db.NewRollupRepository(c.Pool),
		Templates:    db.NewTemplateRepository(c.Pool),
	}

	c.AWS, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	c.Breakers = external.NewBreakerSet(external.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CallTimeout:      cfg.Breaker.CallTimeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})

	c.Prometheus = prometheus.NewRegistry()
	c.Prometheus.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sinks := ncore.MultiMetrics{ncore.NewPrometheusMetrics(c.Prometheus)}
	if cfg.Metrics.EnableCloudWatch {
		sinks = append(sinks, ncore.NewCloudWatchNotificationMetrics(cloudwatch.NewFromConfig(c.AWS), cfg.Metrics.Namespace, typed.With("component", "cloudwatch")))
	}
	c.Metrics = sinks

	if cfg.Redis.Enabled() {
		c.Redis, err = ncore.ConnectRedis(ctx, cfg.Redis.URL.Unmask(), cfg.Redis.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		c.onClose(func(context.Context) error { return c.Redis.Close() })
		c.Counters = ncore.NewRedisCounterStore(c.Redis, cfg.Redis.KeyPrefix)
	} else {
		logger.Warn("REDIS_URL not set, live counters are kept in process memory")
		c.Counters = ncore.NewMemoryCounterStore()
	}
	c.Aggregator = ncore.NewAggregator(c.Counters, c.Repos.Rollups, c.Breakers.Get("infra:cache"), types.RealClock{}, typed.With("component", "aggregator"))

	cipher, err := security.NewCredentialCipher(cfg.Security.EncryptionKey.Unmask())
	if err != nil {
		return nil, fmt.Errorf("creating credential cipher: %w", err)
	}
	c.Credentials = email.NewCredentialStore(c.Repos.Integrations, cipher, typed.With("component", "credentials"))
	c.Registry = email.NewRegistry(c.Credentials, c.adapterFactory(), c.Breakers, typed.With("component", "registry"))
	c.Health = email.NewHealthChecker(c.Registry, c.Repos.Integrations, cfg.Health.HealthyLatency, cfg.Health.DegradedLatency, types.RealClock{}, typed.With("component", "integration_health"))

	c.SQS = sqs.NewFromConfig(c.AWS)
	c.Producer = queue.NewProducer(c.SQS, cfg.AWS.EmailQueue, c.Breakers.Get("infra:queue"), logger.With("component", "producer"))

	c.Reputation = email.NewReputationTracker(c.Repos.Recipients, c.Repos.Events, types.RealClock{}, typed.With("component", "reputation"))
	c.Dispatcher = email.NewDispatcher(email.DispatcherConfig{
		UseQueue:        cfg.Email.UseQueue,
		DryRun:          cfg.Email.DryRun,
		MaxAttempts:     cfg.Email.MaxAttempts,
		DefaultFromName: cfg.Email.DefaultFromName,
		ProcessingLease: cfg.Email.ProcessingLease,
	}, email.DispatcherDeps{
		Registry:   c.Registry,
		Jobs:       c.Repos.Jobs,
		Events:     c.Repos.Events,
		Recipients: c.Repos.Recipients,
		Renderer:   email.NewRenderer(c.Repos.Templates),
		Compliance: email.NewCompliance(c.Repos.Recipients, cfg.Server.PublicBaseURL),
		Queue:      c.Producer,
		Live:       c.Aggregator,
		Metrics:    c.Metrics,
		Clock:      types.RealClock{},
		Logger:     typed.With("component", "dispatcher"),
	})
	c.Ingestor = email.NewIngestor(c.Registry, c.Repos.Events, c.Reputation, c.Aggregator, c.Metrics, types.RealClock{}, typed.With("component", "ingestor"))
	c.Admin = email.NewIntegrationAdmin(c.Credentials, c.Registry, c.Health, c.Dispatcher, cfg.Email.TestRecipient, typed.With("component", "integration_admin"))
	c.Processor = email.NewJobProcessor(c.Repos.Jobs, c.Dispatcher, c.Metrics, types.RealClock{}, typed.With("component", "worker"))

	return c, nil
}

// adapterFactory builds provider adapters. Outside local development SMTP
// relays are dialed through the SafeDialer so operator-supplied hosts cannot
// reach private address space.
func (c *Components) adapterFactory() email.AdapterFactory {
	dial := security.NewSafeDialer(smtpDialTimeout).DialContext
	if c.Config.IsLocal() {
		dial = (&net.Dialer{Timeout: smtpDialTimeout}).DialContext
	}
	deps := external.FactoryDeps{
		AWSConfig:  c.AWS,
		HTTPClient: &http.Client{Timeout: providerHTTPTimeout},
		Dial:       dial,
	}
	return func(cfg *types.IntegrationConfig) (external.Adapter, error) {
		return external.NewAdapter(cfg, deps)
	}
}

// DatabaseProbe checks the pool.
func (c *Components) DatabaseProbe() func(context.Context) error {
	return db.HealthCheck(c.Pool)
}

// CacheProbe pings Redis. It is nil when the in-memory store is in use.
func (c *Components) CacheProbe() func(context.Context) error {
	if c.Redis == nil {
		return nil
	}
	return ncore.RedisHealthCheck(c.Redis)
}

// QueueProbe checks that the email queue is reachable.
func (c *Components) QueueProbe() func(context.Context) error {
	return c.Producer.Ping
}

// FlushMetrics moves the live counters into the rollup table. Binaries call
// it on shutdown so the last partial interval is not lost.
func (c *Components) FlushMetrics(ctx context.Context) error {
	return c.Aggregator.Flush(ctx)
}

func (c *Components) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Close releases connections in reverse order of creation and returns the
// first error.
func (c *Components) Close(ctx context.Context) error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}
