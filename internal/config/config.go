// Package config defines the process configuration for the provisioning
// pipeline. Configuration is loaded once at startup (or Lambda cold start)
// and is read-only afterwards.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// SecretString is an alias for types.SecretString so callers of this package
// do not need to import types for secret fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"provisioner"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Identity      IdentityConfig
	Email         EmailConfig
	Wallet        WalletConfig
	Analytics     AnalyticsConfig
	Conversion    ConversionConfig
	Retry         RetryConfig
	RateLimit     RateLimitConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// PublicURL is the site root used in email links (no trailing slash).
	PublicURL string `envconfig:"PUBLIC_URL" validate:"required,url"`
	// MaxWebhookBody caps the inbound webhook body in bytes.
	MaxWebhookBody int64 `envconfig:"MAX_WEBHOOK_BODY" default:"65536"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// IntegrationRetryQueue receives integrations that exhausted their
	// in-process retries. Empty disables the queue.
	IntegrationRetryQueue string `envconfig:"SQS_INTEGRATION_RETRY" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds the Stripe credentials.
type BillingConfig struct {
	// StripeSecretKey is used only for the customer email fallback lookup.
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY"`
	// StripeWebhookSecret is optional at load time; the webhook handler
	// answers 500 until it is set.
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance    time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"300s"`
	APIBaseURL          string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"url"`
}

// IdentityConfig holds the Supabase GoTrue admin API settings.
type IdentityConfig struct {
	SupabaseURL    string       `envconfig:"SUPABASE_URL" validate:"required,url"`
	ServiceRoleKey SecretString `envconfig:"SUPABASE_SERVICE_ROLE_KEY" validate:"required"`
	// AccessLinkRedirect is where magic links land after sign-in.
	AccessLinkRedirect string `envconfig:"ACCESS_LINK_REDIRECT_URL" validate:"omitempty,url"`
}

// EmailConfig holds the Resend credentials and sender identity.
type EmailConfig struct {
	ResendAPIKey SecretString `envconfig:"RESEND_API_KEY" validate:"required"`
	BaseURL      string       `envconfig:"RESEND_API_BASE" default:"https://api.resend.com" validate:"url"`
	FromAddress  string       `envconfig:"EMAIL_FROM_ADDRESS" default:"hello@example.com" validate:"email"`
	FromName     string       `envconfig:"EMAIL_FROM_NAME" default:"The Team"`
}

// WalletConfig holds the Cavos wallet API settings. An empty URL disables
// wallet creation.
type WalletConfig struct {
	CavosURL     string       `envconfig:"CAVOS_API_URL" validate:"omitempty,url"`
	CavosAPIKey  SecretString `envconfig:"CAVOS_API_KEY"`
	Network      string       `envconfig:"CAVOS_NETWORK" default:"sepolia"`
	SecretPrefix SecretString `envconfig:"WALLET_SECRET_PREFIX"`
}

// AnalyticsConfig holds the outbound analytics webhook settings. An empty URL
// disables the integration.
type AnalyticsConfig struct {
	WebhookURL string       `envconfig:"ANALYTICS_WEBHOOK_URL" validate:"omitempty,url"`
	Secret     SecretString `envconfig:"ANALYTICS_WEBHOOK_SECRET"`
	Gzip       bool         `envconfig:"ANALYTICS_WEBHOOK_GZIP" default:"false"`
}

// ConversionConfig holds the conversions API settings. An empty pixel ID
// disables the integration.
type ConversionConfig struct {
	BaseURL     string       `envconfig:"CONVERSIONS_API_BASE" default:"https://graph.facebook.com/v19.0" validate:"url"`
	PixelID     string       `envconfig:"CONVERSIONS_PIXEL_ID"`
	AccessToken SecretString `envconfig:"CONVERSIONS_ACCESS_TOKEN"`
}

// RetryConfig holds the retry policy applied to event handling and to each
// integration.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`
	Jitter      bool          `envconfig:"RETRY_JITTER" default:"false"`
	// MaxQueueAttempts bounds how many times the integration worker
	// re-publishes a failed integration.
	MaxQueueAttempts int `envconfig:"RETRY_MAX_QUEUE_ATTEMPTS" default:"5"`
}

// Policy converts the settings to a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
	}
}

// RateLimitConfig selects and tunes the inbound rate limiter.
type RateLimitConfig struct {
	Backend   string        `envconfig:"RATE_LIMIT_BACKEND" default:"memory" validate:"oneof=memory redis"`
	RedisAddr string        `envconfig:"REDIS_ADDR" validate:"required_if=Backend redis"`
	Limit     int           `envconfig:"RATE_LIMIT_REQUESTS" default:"120"`
	Window    time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// SecurityConfig holds the admin endpoint credential.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Provisioner"`
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"true"`
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
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
