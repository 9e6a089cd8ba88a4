// Package config defines the configuration of the inactivity lifecycle
// binaries. Configuration is loaded once at process start and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format is a fatal error before any
// user is processed.
package config

import (
	"time"

	"inactivity/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"inactivity-lifecycle"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Policy        PolicyConfig
	Database      DatabaseConfig
	Email         EmailConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Server        ServerConfig
	Run           RunConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// PolicyConfig holds the inactivity thresholds and the warning schedule.
type PolicyConfig struct {
	InactivityThresholdDays int `envconfig:"INACTIVITY_THRESHOLD_DAYS" default:"30" validate:"min=0"`
	// LockoutThresholdDays is expected to be >= InactivityThresholdDays.
	// This is not enforced; the loader only logs the inversion.
	LockoutThresholdDays int `envconfig:"LOCKOUT_THRESHOLD_DAYS" default:"60" validate:"min=0"`
	// WarningScheduleDays are "days before lockout", comma separated.
	WarningScheduleDays []int  `envconfig:"WARNING_SCHEDULE_DAYS" default:"1,7,14" validate:"dive,min=0"`
	LockoutReason       string `envconfig:"LOCKOUT_REASON" default:"Automatically locked for inactivity"`
	LockoutPerformer    string `envconfig:"LOCKOUT_PERFORMER" default:"inactivity-lifecycle"`
	ReferenceTimezone   string `envconfig:"REFERENCE_TIMEZONE" default:"UTC"`

	// Location is resolved from ReferenceTimezone by the loader.
	Location *time.Location `ignored:"true" validate:"-"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	Driver string `envconfig:"DATABASE_DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`
	// URL is a postgres connection string or a sqlite file path.
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"5s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// EmailConfig selects and configures the mail transport.
type EmailConfig struct {
	Provider    string `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid smtp"`
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Account Notifications"`
	SiteName    string `envconfig:"SITE_NAME" default:"our site"`

	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SESConfigSet   string       `envconfig:"SES_CONFIGURATION_SET"`

	SMTPHost     string       `envconfig:"SMTP_HOST" validate:"required_if=Provider smtp"`
	SMTPPort     int          `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string       `envconfig:"SMTP_USERNAME"`
	SMTPPassword SecretString `envconfig:"SMTP_PASSWORD"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LifecycleEventsQueue receives a message per applied lockout. Optional.
	LifecycleEventsQueue string `envconfig:"SQS_LIFECYCLE_EVENTS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"InactivityLifecycle"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// ServerConfig holds the admin report API settings.
type ServerConfig struct {
	Port        string       `envconfig:"PORT" default:"8080"`
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY"`
}

// RunConfig holds batch run tuning.
type RunConfig struct {
	// Delay is slept before the next user after an email was sent.
	Delay   time.Duration `envconfig:"RUN_DELAY" default:"0s"`
	LockTTL time.Duration `envconfig:"RUN_LOCK_TTL" default:"1h" validate:"min=1m"`
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
