// Package config defines the process configuration for the billing engine
// binaries. Configuration is loaded once at startup and treated as immutable.
//
// Values are resolved in priority order:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
package config

import (
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// SecretString aliases types.SecretString for use in config structs.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"client-portal-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	ESign         ESignConfig
	Processor     ProcessorConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds the Postgres connection string and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Domain events for the notification fan-out.
	EventQueueURL string `envconfig:"SQS_BILLING_EVENTS" validate:"omitempty,url"`
	// Archive of closed hour-log periods.
	LedgerBucket string `envconfig:"LEDGER_BUCKET"`

	// LocalStack support; empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds payment collaborator credentials and grace-period policy.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeBaseURL       string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	GracePeriodDays     int           `envconfig:"GRACE_PERIOD_DAYS" default:"7" validate:"min=1,max=60"`
	DefaultCurrency     string        `envconfig:"DEFAULT_CURRENCY" default:"usd" validate:"len=3"`
	PaymentTimeout      time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"20s"`

	// PaymentErrorRetryDays bounds how long a renewal with an unknown
	// charge outcome keeps rolling back before it enters grace.
	PaymentErrorRetryDays int `envconfig:"PAYMENT_ERROR_RETRY_DAYS" default:"3" validate:"min=1,max=30"`
}

// ESignConfig holds the e-signature provider client credentials used to send
// plan agreements.
type ESignConfig struct {
	BaseURL      string        `envconfig:"ESIGN_BASE_URL" validate:"omitempty,url"`
	AuthURL      string        `envconfig:"ESIGN_AUTH_URL" validate:"omitempty,url"`
	AccountID    string        `envconfig:"ESIGN_ACCOUNT_ID"`
	ClientID     string        `envconfig:"ESIGN_CLIENT_ID"`
	ClientSecret SecretString  `envconfig:"ESIGN_CLIENT_SECRET"`
	TemplateID   string        `envconfig:"ESIGN_AGREEMENT_TEMPLATE_ID"`
	RefreshSkew  time.Duration `envconfig:"ESIGN_TOKEN_REFRESH_SKEW" default:"60s"`
}

// Enabled reports whether plan agreements can be sent.
func (c ESignConfig) Enabled() bool {
	return c.BaseURL != "" && c.ClientID != ""
}

// ProcessorConfig tunes the billing cycle processor.
type ProcessorConfig struct {
	Concurrency int           `envconfig:"CYCLE_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	PageSize    int           `envconfig:"CYCLE_PAGE_SIZE" default:"200" validate:"min=1,max=5000"`
	LockTTL     time.Duration `envconfig:"CYCLE_LOCK_TTL" default:"15m"`
	// Cron expression; when set the processor runs as a long-lived process
	// instead of a Lambda handler.
	Schedule string `envconfig:"CYCLE_SCHEDULE"`
}

// SecurityConfig holds CORS and request throttling settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// Requests per actor per minute; zero disables throttling.
	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600" validate:"min=0"`
}

// ObservabilityConfig holds metric settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ClientPortal/Billing"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
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
