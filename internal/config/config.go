// Package config defines the global configuration structure for the
// MentorMail notification service. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Required values that are missing or malformed fail the process at startup.
// Integration credentials (queue, mail provider, records service) are
// deliberately optional: an absent integration disables the feature and the
// service reports that state instead of crashing.
package config

import (
	"time"

	"mentormail/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mentormail"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Queue         QueueConfig
	Mail          MailConfig
	Records       RecordsConfig
	Notify        NotifyConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// IsProduction reports whether the service runs with production guarantees.
// Staging counts: it exercises the production auth path against real queues.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "staging"
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AppBaseURL is the mentorship app root used for links embedded in email
	// bodies (no trailing slash). Empty disables in-body links.
	AppBaseURL string `envconfig:"APP_BASE_URL" validate:"omitempty,url"`
}

// DatabaseConfig holds the job store connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// QueueConfig holds the delivery queue settings. An empty QueueURL disables
// scheduling; handlers report the disabled state instead of erroring.
type QueueConfig struct {
	QueueURL string `envconfig:"SQS_DELIVERY_QUEUE" validate:"omitempty,url"`
	// SigningSecret signs queue callback bodies. PrevSigningSecret is
	// accepted during secret rotation.
	SigningSecret     SecretString `envconfig:"QUEUE_SIGNING_SECRET"`
	PrevSigningSecret SecretString `envconfig:"QUEUE_SIGNING_SECRET_PREVIOUS"`
	// CallbackBaseURL is where the dispatch worker POSTs due deliveries,
	// e.g. https://mail.example.com (no trailing slash).
	CallbackBaseURL string `envconfig:"QUEUE_CALLBACK_BASE_URL" validate:"omitempty,url"`
}

// MailConfig holds the transactional mail provider credentials. An empty
// APIKey disables delivery (the worker reports disabled).
type MailConfig struct {
	APIKey      SecretString `envconfig:"RESEND_API_KEY"`
	FromAddress string       `envconfig:"MAIL_FROM_ADDRESS" default:"notifications@mentormail.io"`
	FromName    string       `envconfig:"MAIL_FROM_NAME" default:"MentorMail"`
	// SubjectPrefix, when set, marks every subject line. Used on staging.
	SubjectPrefix string `envconfig:"MAIL_SUBJECT_PREFIX"`
}

// RecordsConfig holds the mentorship records service connection. Empty
// BaseURL disables scheduling triggers that need record snapshots.
type RecordsConfig struct {
	BaseURL  string       `envconfig:"RECORDS_BASE_URL" validate:"omitempty,url"`
	APIToken SecretString `envconfig:"RECORDS_API_TOKEN"`
}

// NotifyConfig tunes notification delivery behavior.
type NotifyConfig struct {
	// TestMode redirects every email to TestRecipient instead of the true
	// recipient; subjects are annotated with the intended address.
	TestMode      bool   `envconfig:"NOTIFY_TEST_MODE" default:"false"`
	TestRecipient string `envconfig:"NOTIFY_TEST_RECIPIENT" validate:"omitempty,email"`
	// MaxAttempts caps delivery attempts per job before dead-lettering.
	MaxAttempts int `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"3"`
	// WorkerTimeout is the wall-clock bound for one delivery invocation.
	WorkerTimeout time.Duration `envconfig:"NOTIFY_WORKER_TIMEOUT" default:"25s"`
	// OrphanGrace is how long past its scheduled time a job may stay
	// scheduled before the reconciliation sweep fails it.
	OrphanGrace time.Duration `envconfig:"NOTIFY_ORPHAN_GRACE" default:"1h"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MentorMail"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
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
