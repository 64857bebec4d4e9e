// Package config defines the process configuration for courier.
//
// Configuration is read once at startup and is immutable afterwards.
// Values resolve through the chain
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// and a missing required value or a malformed one fails startup.
package config

import (
	"time"

	"courier/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for it.
type SecretString = types.SecretString

// Config is the top-level configuration. Sub-components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"courier"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Security SecurityConfig
	Email    EmailConfig
	Breaker  BreakerConfig
	Metrics  MetricsConfig
	Health   HealthConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// IsLocal reports whether the process runs in local development.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// PublicBaseURL prefixes unsubscribe links (no trailing slash).
	PublicBaseURL  string        `envconfig:"PUBLIC_BASE_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// RedisConfig selects the live counter backend. An empty URL selects the
// in-process store.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"5s"`
	KeyPrefix      string        `envconfig:"REDIS_KEY_PREFIX" default:"courier"`
}

// Enabled reports whether a Redis URL is configured.
func (c RedisConfig) Enabled() bool {
	return !c.URL.IsZero()
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region     string `envconfig:"AWS_REGION" default:"us-east-1"`
	EmailQueue string `envconfig:"SQS_EMAIL_QUEUE" validate:"required,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds key material and access control.
type SecurityConfig struct {
	EncryptionKey      SecretString `envconfig:"ENCRYPTION_KEY" validate:"required,min=32"`
	InternalAPIKey     SecretString `envconfig:"INTERNAL_API_KEY" validate:"required,min=16"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS"`
}

// EmailConfig holds dispatch defaults.
type EmailConfig struct {
	UseQueue          bool          `envconfig:"EMAIL_USE_QUEUE" default:"true"`
	DryRun            bool          `envconfig:"EMAIL_DRY_RUN" default:"false"`
	MaxAttempts       int           `envconfig:"EMAIL_MAX_ATTEMPTS" default:"3" validate:"min=1,max=20"`
	WorkerConcurrency int           `envconfig:"EMAIL_WORKER_CONCURRENCY" default:"5" validate:"min=1,max=100"`
	DefaultFromName   string        `envconfig:"EMAIL_DEFAULT_FROM_NAME"`
	PollWait          time.Duration `envconfig:"EMAIL_POLL_WAIT" default:"20s"`
	// ProcessingLease is how long a claimed job stays owned by its worker.
	// It must outlast a full failover pass over every provider.
	ProcessingLease time.Duration `envconfig:"EMAIL_PROCESSING_LEASE" default:"2m"`
	// TestRecipient receives integration test emails when none can be
	// detected from the integration itself.
	TestRecipient string `envconfig:"EMAIL_TEST_RECIPIENT" validate:"omitempty,email"`
}

// BreakerConfig configures every circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	CallTimeout      time.Duration `envconfig:"BREAKER_CALL_TIMEOUT" default:"5s"`
	ResetTimeout     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
}

// MetricsConfig configures live counters and metric sinks.
type MetricsConfig struct {
	FlushInterval     time.Duration `envconfig:"METRICS_FLUSH_INTERVAL" default:"1m"`
	Namespace         string        `envconfig:"METRICS_NAMESPACE" default:"Courier"`
	EnableCloudWatch  bool          `envconfig:"METRICS_CLOUDWATCH_ENABLED" default:"false"`
	DefaultWindowDays int           `envconfig:"METRICS_DEFAULT_WINDOW_DAYS" default:"30" validate:"min=1,max=365"`
}

// HealthConfig configures the infrastructure and integration probes.
type HealthConfig struct {
	MonitorInterval     time.Duration `envconfig:"HEALTH_MONITOR_INTERVAL" default:"30s"`
	IntegrationInterval time.Duration `envconfig:"HEALTH_INTEGRATION_INTERVAL" default:"15m"`
	HealthyLatency      time.Duration `envconfig:"HEALTH_HEALTHY_LATENCY" default:"100ms"`
	DegradedLatency     time.Duration `envconfig:"HEALTH_DEGRADED_LATENCY" default:"500ms"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
