package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and names the failing stage.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

const (
	// ssmParamSuffix marks pointer variables: X_SSM_PARAM holds the SSM path for X.
	ssmParamSuffix = "_SSM_PARAM"
	// localEnv bypasses SSM resolution.
	localEnv = "local"
)

type (
	envLookup func(key string) (string, bool)
	envSet    func(key, value string) error
	environ   func() []string
)

// loaderDeps lets tests swap the process environment.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration.
//
// The sequence is: force UTC, load .env (if any), resolve _SSM_PARAM pointers
// through provider unless APP_ENV=local, populate the struct via envconfig,
// attach build metadata, validate tags, then check that every enabled
// integration has its credentials. provider may be nil for local runs.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Missing .env is fine; existing variables are never overridden.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	if err := checkIntegrations(&cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "integration configuration incomplete", Err: err}
	}

	return &cfg, nil
}

// checkIntegrations enforces the rules struct tags cannot express: an
// optional integration that is switched on needs its credentials.
func checkIntegrations(cfg *Config) error {
	var errs []error
	if cfg.Wallet.CavosURL != "" {
		if !cfg.Wallet.CavosAPIKey.IsSet() {
			errs = append(errs, errors.New("CAVOS_API_KEY is required when CAVOS_API_URL is set"))
		}
		if !cfg.Wallet.SecretPrefix.IsSet() {
			errs = append(errs, errors.New("WALLET_SECRET_PREFIX is required when CAVOS_API_URL is set"))
		}
	}
	if cfg.Analytics.WebhookURL != "" && !cfg.Analytics.Secret.IsSet() {
		errs = append(errs, errors.New("ANALYTICS_WEBHOOK_SECRET is required when ANALYTICS_WEBHOOK_URL is set"))
	}
	if cfg.Conversion.PixelID != "" && !cfg.Conversion.AccessToken.IsSet() {
		errs = append(errs, errors.New("CONVERSIONS_ACCESS_TOKEN is required when CONVERSIONS_PIXEL_ID is set"))
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY (%s) is below RETRY_BASE_DELAY (%s)", cfg.Retry.MaxDelay, cfg.Retry.BaseDelay))
	}
	return errors.Join(errs...)
}

// pointer binds X_SSM_PARAM=path to its target variable X.
type pointer struct {
	target string
	path   string
}

// collectPointers returns the _SSM_PARAM pointers whose target is not
// already set. A directly set variable always wins over SSM.
func collectPointers(deps loaderDeps) []pointer {
	var out []pointer
	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || path == "" || !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		out = append(out, pointer{target: target, path: path})
	}
	return out
}

// resolveSSMParams fetches every pending pointer in one provider call and
// exports the values so envconfig sees them.
//
// STRIPE_WEBHOOK_SECRET_SSM_PARAM=/prod/provisioner/stripe/webhook_secret
// resolves into STRIPE_WEBHOOK_SECRET.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pointers := collectPointers(deps)
	if len(pointers) == 0 {
		return nil
	}

	targets := make([]string, len(pointers))
	paths := make([]string, len(pointers))
	for i, p := range pointers {
		targets[i] = p.target
		paths[i] = p.path
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SecretProvider is required for non-local environments (need to resolve: " + strings.Join(targets, ", ") + ")",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, p := range pointers {
		value, ok := resolved[p.path]
		if !ok {
			missing = append(missing, p.target)
			continue
		}
		if err := deps.setEnv(p.target, value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to set resolved value for " + p.target, Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Type: ErrSSMResolution, Message: "SSM parameters not found for: " + strings.Join(missing, ", ")}
	}
	return nil
}
