// Package config defines the process configuration for the notification
// dispatcher. Configuration is loaded once at start-up and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format aborts start-up.
package config

import (
	"time"

	"notifyhub/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"notifyhub-consumer"`

	Log           LogConfig
	Broker        BrokerConfig
	Retry         RetryConfig
	Database      DatabaseConfig
	Email         EmailConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Runtime       RuntimeConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	File       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100" validate:"min=1"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5" validate:"min=0"`
	MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14" validate:"min=0"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	Type     types.BrokerType `envconfig:"BROKER_TYPE" default:"rabbitmq" validate:"required,oneof=rabbitmq sqs kafka"`
	RabbitMQ RabbitMQConfig
	SQS      SQSConfig
}

// RabbitMQConfig holds the AMQP connection, topology and reconnect settings.
type RabbitMQConfig struct {
	URL           SecretString  `envconfig:"RABBITMQ_URL"`
	Exchange      string        `envconfig:"RABBITMQ_EXCHANGE" default:"notifications.events" validate:"required"`
	Queue         string        `envconfig:"RABBITMQ_QUEUE" default:"notifications.main" validate:"required"`
	RetryQueue    string        `envconfig:"RABBITMQ_RETRY_QUEUE" default:"notifications.retry" validate:"required"`
	DeadLetter    string        `envconfig:"RABBITMQ_DLQ" default:"notifications.dlq" validate:"required"`
	BindingKeys   []string      `envconfig:"RABBITMQ_BINDING_KEYS" default:"#" validate:"min=1"`
	ConsumerTag   string        `envconfig:"RABBITMQ_CONSUMER_TAG" default:"notifyhub"`
	Prefetch      int           `envconfig:"RABBITMQ_PREFETCH" default:"10" validate:"min=1,max=1000"`
	RetryTTL      time.Duration `envconfig:"RABBITMQ_RETRY_TTL" default:"5s"`
	DeadLetterTTL time.Duration `envconfig:"RABBITMQ_DLQ_TTL" default:"24h"`
	Heartbeat     time.Duration `envconfig:"RABBITMQ_HEARTBEAT" default:"10s"`

	// Reconnect backoff: delay = min(base * 2^attempt, max)
	ReconnectBaseDelay   time.Duration `envconfig:"RABBITMQ_RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `envconfig:"RABBITMQ_RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxAttempts int           `envconfig:"RABBITMQ_RECONNECT_MAX_ATTEMPTS" default:"10" validate:"min=1"`

	StatsInterval      time.Duration `envconfig:"RABBITMQ_STATS_INTERVAL" default:"30s"`
	// MonitorDeadLetters consumes the DLQ for logging. Disable it to keep
	// messages parked for cmd/dlq-requeue.
	MonitorDeadLetters bool          `envconfig:"RABBITMQ_DLQ_MONITOR" default:"true"`
}

// SQSConfig configures the SQS broker variant.
type SQSConfig struct {
	QueueURL          string        `envconfig:"SQS_NOTIFICATIONS"`
	DeadLetterURL     string        `envconfig:"SQS_DLQ"`
	WaitTime          time.Duration `envconfig:"SQS_WAIT_TIME" default:"20s"`
	Workers           int           `envconfig:"SQS_WORKERS" default:"10" validate:"min=1,max=100"`
	VisibilityTimeout time.Duration `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60s"`
}

// RetryConfig is the per-message retry policy.
type RetryConfig struct {
	MaxRetries        int           `envconfig:"RETRY_MAX_RETRIES" default:"3" validate:"min=0,max=50"`
	InitialDelay      time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"1s"`
	MaxDelay          time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	BackoffMultiplier float64       `envconfig:"RETRY_BACKOFF_MULTIPLIER" default:"2" validate:"gte=1"`

	// DeadLetterPermanent sends malformed and permanently failing messages
	// to the DLQ on their first failure instead of walking the retry ladder.
	DeadLetterPermanent bool `envconfig:"RETRY_DEAD_LETTER_PERMANENT" default:"false"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// EmailConfig selects the email provider and sender identity.
type EmailConfig struct {
	Provider    string        `envconfig:"EMAIL_PROVIDER" default:"smtp" validate:"oneof=smtp ses stub"`
	FromAddress string        `envconfig:"EMAIL_FROM_ADDRESS" default:"notifications@notifyhub.local" validate:"required,email"`
	FromName    string        `envconfig:"EMAIL_FROM_NAME" default:"NotifyHub"`
	Timeout     time.Duration `envconfig:"EMAIL_TIMEOUT" default:"15s"`

	SMTP SMTPConfig

	// SESConfigurationSet is optional SES event tracking.
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`
}

// SMTPConfig holds SMTP server credentials.
type SMTPConfig struct {
	Host       string       `envconfig:"SMTP_HOST" default:"localhost"`
	Port       int          `envconfig:"SMTP_PORT" default:"587" validate:"min=1,max=65535"`
	Username   string       `envconfig:"SMTP_USERNAME"`
	Password   SecretString `envconfig:"SMTP_PASSWORD"`
	Encryption string       `envconfig:"SMTP_ENCRYPTION" default:"starttls" validate:"oneof=none starttls ssl_tls"`
}

// AWSConfig holds regional configuration for SES, SQS, SSM and CloudWatch.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace  string `envconfig:"METRIC_NAMESPACE" default:"NotifyHub"`
	EnableCloudWatch bool   `envconfig:"ENABLE_CLOUDWATCH_METRICS" default:"false"`
}

// RuntimeConfig controls process lifecycle.
type RuntimeConfig struct {
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// HealthAddr serves /healthz, /readyz and /stats. Empty disables it.
	HealthAddr      string        `envconfig:"HEALTH_ADDR" default:":8081"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
