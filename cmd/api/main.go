// Package main is the entry point of the provisioning API.
//
// It loads configuration, opens the database pool, builds the vendor
// clients and the webhook pipeline, and serves the HTTP surface. With
// APP_ENV=local it listens on the configured port; inside AWS Lambda it
// serves API Gateway HTTP API events through core.LambdaHandler.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"provisioner/internal/api/handlers"
	"provisioner/internal/billing"
	"provisioner/internal/config"
	"provisioner/internal/core"
	"provisioner/internal/db"
	"provisioner/internal/email"
	"provisioner/internal/external"
	"provisioner/internal/fanout"
	"provisioner/internal/metrics"
	"provisioner/internal/queue"
	"provisioner/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("provisioner API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	limiter, err := ratelimit.NewStore(ctx, cfg.RateLimit, logger)
	if err != nil {
		return fmt.Errorf("creating rate limit store: %w", err)
	}

	d := deps{
		db:      pool,
		clients: external.NewClientRegistry(cfg, logger),
		metrics: metrics.Noop{},
		limiter: limiter,
	}
	if cfg.Observability.MetricsEnabled && cfg.Environment != "local" {
		d.metrics = metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}
	if cfg.AWS.IntegrationRetryQueue != "" {
		d.publisher = queue.NewRetryPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	}

	srv, err := buildServer(cfg, d, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		logger.Info("starting in Lambda mode")
		lambda.Start(core.LambdaHandler(srv.Handler()))
		return nil
	}
	return runHTTPServer(srv, cfg, logger)
}

// database is what the API needs from *pgxpool.Pool.
type database interface {
	db.DBTX
	core.Pinger
}

// deps are the process-level resources buildServer wires together.
// publisher is nil when no retry queue is configured.
type deps struct {
	db        database
	clients   *external.ClientRegistry
	metrics   metrics.Recorder
	publisher fanout.RetryPublisher
	limiter   ratelimit.Store
}

// buildServer assembles the webhook pipeline and mounts every route.
func buildServer(cfg *config.Config, d deps, logger *slog.Logger) (*core.Server, error) {
	renderer, err := email.NewRenderer(email.RendererConfig{
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		SiteURL:     cfg.Server.PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating email renderer: %w", err)
	}

	events := db.NewEventRepository(d.db)
	profiles := db.NewProfileRepository(d.db)
	subscriptions := db.NewSubscriptionCacheRepository(d.db)

	integrations := fanout.Assemble(fanout.Providers{
		Links:              d.clients.Identity,
		Email:              d.clients.Email,
		Renderer:           renderer,
		Wallet:             d.clients.Wallet,
		Profiles:           profiles,
		WalletSecretPrefix: cfg.Wallet.SecretPrefix.Unmask(),
		Analytics:          d.clients.Analytics,
		Conversions:        d.clients.Conversions,
		Logger:             logger,
	})

	runner := fanout.NewRunner(fanout.RunnerConfig{
		Policy:    cfg.Retry.Policy(),
		Publisher: d.publisher,
		Metrics:   d.metrics,
		Logger:    logger,
	})

	router := billing.NewRouter(billing.RouterConfig{
		Provisioner:  billing.NewProvisioner(d.clients.Identity, profiles, logger),
		Cache:        billing.NewCacheUpdater(subscriptions),
		Fanout:       runner,
		Integrations: integrations,
		Customers:    d.clients.Customers,
		Logger:       logger,
	})

	processor := billing.NewProcessor(billing.ProcessorConfig{
		Ledger:  events,
		Handler: router,
		Policy:  cfg.Retry.Policy(),
		Metrics: d.metrics,
		Logger:  logger,
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.RateLimitStore = d.limiter
	srv.HealthProbes = []core.HealthProbe{core.NewPingProbe("database", d.db)}

	webhook := handlers.NewStripeWebhookHandler(handlers.StripeWebhookConfig{
		Verifier:  d.clients.Verifier,
		Processor: processor,
		Secret:    cfg.Billing.StripeWebhookSecret,
		MaxBody:   cfg.Server.MaxWebhookBody,
		Logger:    logger,
	})
	admin := handlers.NewAdminEventsHandler(events, processor, cfg.Security.AdminAPIKey, srv.Validator, logger)

	srv.Registrars = append(srv.Registrars, webhook.RegisterRoutes, admin.RegisterRoutes)
	srv.MountRoutes()

	logger.Info("pipeline assembled", "integrations", len(integrations), "retry_queue", d.publisher != nil)
	return srv, nil
}

// secretProvider resolves _SSM_PARAM pointers outside local runs.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return config.NewEnvVarProvider()
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}

// loadAWSConfig loads the SDK configuration, pointing every client at
// EndpointURL when one is set (LocalStack).
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight webhooks finish their pipeline run before the pool closes.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger for level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
