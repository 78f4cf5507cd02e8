// Package config defines the global configuration structure for the cotick
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"cotick/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the cotick service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"cotick-server"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// ServerInstanceID uniquely identifies this process within the fleet.
	// It keys the completion mutex, presence routing, and the per-server
	// consumer group. When empty, the loader derives a stable-per-process
	// value from the hostname plus a random suffix.
	ServerInstanceID string `envconfig:"SERVER_INSTANCE_ID"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Scheduler     SchedulerConfig
	Monitor       MonitorConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and CORS configuration.
type ServerConfig struct {
	Port               string   `envconfig:"PORT" default:"8080"`
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// RedisConfig holds the presence/schedule store connection parameters.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR" validate:"required"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`

	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`

	// ConfigureKeyspaceEvents enables the best-effort CONFIG SET of
	// notify-keyspace-events at startup. Managed Redis offerings often
	// forbid CONFIG; the flag lets operators pre-set it themselves.
	ConfigureKeyspaceEvents bool `envconfig:"REDIS_CONFIGURE_KEYSPACE_EVENTS" default:"true"`
}

// KafkaConfig holds the fleet event bus connection and topic layout.
type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS" validate:"required,min=1"`

	TimerEventsTopic string `envconfig:"KAFKA_TOPIC_TIMER_EVENTS" default:"timer-events"`
	UserActionsTopic string `envconfig:"KAFKA_TOPIC_USER_ACTIONS" default:"user-actions"`

	// GroupPrefix is combined with the server instance ID to form a
	// consumer group unique to this process, so every server receives
	// every event (broadcast, not work queue).
	GroupPrefix string `envconfig:"KAFKA_GROUP_PREFIX" default:"cotick"`

	ClientID string `envconfig:"KAFKA_CLIENT_ID" default:"cotick-server"`
}

// SchedulerConfig holds expiry scheduling and completion protocol tuning.
type SchedulerConfig struct {
	// ProcessingLockTTL bounds how long a crashed winner can block the
	// completion mutex before it self-expires.
	ProcessingLockTTL time.Duration `envconfig:"SCHEDULER_PROCESSING_LOCK_TTL" default:"5m"`
}

// MonitorConfig holds reconciliation monitor tuning parameters.
type MonitorConfig struct {
	PollInterval time.Duration `envconfig:"MONITOR_POLL_INTERVAL" default:"1m"`

	// MissedWindow is how far behind now the sweep looks for timers past
	// target but not completed. Older misses are considered already
	// reported by previous sweeps.
	MissedWindow time.Duration `envconfig:"MONITOR_MISSED_WINDOW" default:"5m"`

	// StatsWindow is the trailing window for completion statistics.
	StatsWindow time.Duration `envconfig:"MONITOR_STATS_WINDOW" default:"1h"`

	// RetentionInterval is how often expired rows are pruned.
	RetentionInterval time.Duration `envconfig:"MONITOR_RETENTION_INTERVAL" default:"1h"`
}

// AWSConfig holds AWS regional configuration for telemetry and SSM.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CoTick"`

	// EnableMetrics gates CloudWatch emission. Off by default so local
	// development needs no AWS credentials.
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// ConsumerGroup returns the broadcast consumer group for this process.
func (k KafkaConfig) ConsumerGroup(serverInstanceID string) string {
	return k.GroupPrefix + "-" + serverInstanceID
}
