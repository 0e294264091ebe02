// Package config defines the global configuration structure for StockMeter.
// Configuration is loaded once at process initialization (Lambda cold start or
// server boot) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"stockmeter/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"stockmeter"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// IsLocal reports whether the process runs against local stand-ins (stub
// processor, no SSM).
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	APIExternalURL string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.stockmeter.io
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	// TransitionsQueueURL receives subscription transition events. Empty
	// disables publishing.
	TransitionsQueueURL string `envconfig:"SQS_TRANSITIONS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds processor credentials and engine policy.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeBaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`

	// Hosted checkout redirect targets.
	CheckoutSuccessURL string `envconfig:"CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CheckoutCancelURL  string `envconfig:"CHECKOUT_CANCEL_URL" validate:"required,url"`

	// Stripe price ids per paid tier and interval.
	PriceBusinessMonthly   string `envconfig:"STRIPE_PRICE_BUSINESS_MONTHLY"`
	PriceBusinessYearly    string `envconfig:"STRIPE_PRICE_BUSINESS_YEARLY"`
	PriceEnterpriseMonthly string `envconfig:"STRIPE_PRICE_ENTERPRISE_MONTHLY"`
	PriceEnterpriseYearly  string `envconfig:"STRIPE_PRICE_ENTERPRISE_YEARLY"`

	Currency    string        `envconfig:"BILLING_CURRENCY" default:"eur" validate:"len=3,lowercase"`
	GracePeriod time.Duration `envconfig:"BILLING_GRACE_PERIOD" default:"168h" validate:"gte=0"`
	TrialPeriod time.Duration `envconfig:"BILLING_TRIAL_PERIOD" default:"336h" validate:"gte=0"`

	SchedulerConcurrency int           `envconfig:"SCHEDULER_CONCURRENCY" default:"8" validate:"min=1,max=64"`
	ScanBatchSize        int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"200" validate:"min=1,max=1000"`
	PendingRetryAfter    time.Duration `envconfig:"PENDING_RETRY_AFTER" default:"15m"`
	PendingRetryBatch    int           `envconfig:"PENDING_RETRY_BATCH" default:"100" validate:"min=1"`

	ProcessorTimeout time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"20s"`
}

// PriceIDs returns the configured price ids keyed by tier and interval.
// Blank entries are omitted.
func (b BillingConfig) PriceIDs() map[types.TierName]map[types.BillingInterval]string {
	out := map[types.TierName]map[types.BillingInterval]string{}
	set := func(tier types.TierName, interval types.BillingInterval, id string) {
		if id == "" {
			return
		}
		if out[tier] == nil {
			out[tier] = map[types.BillingInterval]string{}
		}
		out[tier][interval] = id
	}
	set(types.TierBusiness, types.IntervalMonthly, b.PriceBusinessMonthly)
	set(types.TierBusiness, types.IntervalYearly, b.PriceBusinessYearly)
	set(types.TierEnterprise, types.IntervalMonthly, b.PriceEnterpriseMonthly)
	set(types.TierEnterprise, types.IntervalYearly, b.PriceEnterpriseYearly)
	return out
}

// SecurityConfig holds admin access and CORS settings.
type SecurityConfig struct {
	// AdminAPIKeyHash is the bcrypt hash of the key accepted on /v1/admin.
	AdminAPIKeyHash    SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string        `envconfig:"METRIC_NAMESPACE" default:"StockMeter"`
	EnableMetrics   bool          `envconfig:"ENABLE_METRICS" default:"true"`
	FlushInterval   time.Duration `envconfig:"METRIC_FLUSH_INTERVAL" default:"1m"`
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
