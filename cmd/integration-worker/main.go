// Package main is the entry point of the integration retry worker Lambda.
//
// The worker consumes the integration retry queue. Each message names one
// integration that failed in-process for a provisioned subscriber; the
// worker runs it again and re-publishes it with a longer delay until it
// succeeds or the attempt ceiling is reached.
//
// Messages that cannot be decoded are acknowledged and logged. A message
// whose re-publish fails is reported in batchItemFailures so the queue
// redelivers it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"provisioner/internal/config"
	"provisioner/internal/db"
	"provisioner/internal/email"
	"provisioner/internal/external"
	"provisioner/internal/fanout"
	"provisioner/internal/metrics"
	"provisioner/internal/queue"
	"provisioner/internal/types"
)

// retryHandler is satisfied by *fanout.Worker.
type retryHandler interface {
	Handle(ctx context.Context, msg types.IntegrationRetryMessage) error
}

// Handler adapts SQS batches to the fan-out worker.
type Handler struct {
	worker retryHandler
	logger *slog.Logger
}

// Handle processes every record independently and reports partial failures.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process retry message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.IntegrationRetryMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Redelivery cannot fix a malformed body.
		h.logger.ErrorContext(ctx, "dropping undecodable retry message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	ctx = types.WithRequestID(ctx, msg.DeliveryID)
	return h.worker.Handle(ctx, msg)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	var provider config.SecretProvider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	if os.Getenv("APP_ENV") == "local" {
		provider = config.NewEnvVarProvider()
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "integration-worker")

	if cfg.AWS.IntegrationRetryQueue == "" {
		return fmt.Errorf("SQS_INTEGRATION_RETRY is required for the worker")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	renderer, err := email.NewRenderer(email.RendererConfig{
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		SiteURL:     cfg.Server.PublicURL,
	})
	if err != nil {
		return fmt.Errorf("creating email renderer: %w", err)
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Observability.MetricsEnabled {
		recorder = metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	clients := external.NewClientRegistry(cfg, logger)
	integrations := fanout.Assemble(fanout.Providers{
		Links:              clients.Identity,
		Email:              clients.Email,
		Renderer:           renderer,
		Wallet:             clients.Wallet,
		Profiles:           db.NewProfileRepository(pool),
		WalletSecretPrefix: cfg.Wallet.SecretPrefix.Unmask(),
		Analytics:          clients.Analytics,
		Conversions:        clients.Conversions,
		Logger:             logger,
	})

	worker := fanout.NewWorker(fanout.WorkerConfig{
		// No publisher on the runner: the worker re-publishes itself.
		Runner: fanout.NewRunner(fanout.RunnerConfig{
			Policy:  cfg.Retry.Policy(),
			Metrics: recorder,
			Logger:  logger,
		}),
		Integrations: integrations,
		Publisher:    queue.NewRetryPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger),
		MaxAttempts:  cfg.Retry.MaxQueueAttempts,
		Backoff:      queue.BackoffDelay,
		Logger:       logger,
	})

	h := &Handler{worker: worker, logger: logger}
	logger.Info("integration worker ready", "integrations", len(integrations))
	lambda.Start(h.Handle)
	return nil
}
