// Package queue provides the SQS producer that hands failed integration
// calls to the integration worker for replay.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"provisioner/internal/config"
	"provisioner/internal/types"
)

// maxDelaySeconds is the SQS ceiling for DelaySeconds.
const maxDelaySeconds = 900

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RetryPublisher sends IntegrationRetryMessages to the integration retry
// queue.
//
// Publish increments msg.Attempt before serializing, so the consumer sees
// the delivery number it is about to run.
type RetryPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewRetryPublisher creates a RetryPublisher for the queue configured in
// awsCfg.
func NewRetryPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *RetryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPublisher{
		client:   client,
		queueURL: awsCfg.IntegrationRetryQueue,
		logger:   logger,
	}
}

// Publish enqueues msg with the given delay, clamped to the SQS maximum.
func (p *RetryPublisher) Publish(ctx context.Context, msg types.IntegrationRetryMessage, delay time.Duration) error {
	msg.Attempt++
	if msg.DeliveryID == "" {
		msg.DeliveryID = uuid.NewString()
	}
	if msg.TraceID == "" {
		msg.TraceID = types.GetRequestID(ctx)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal IntegrationRetryMessage: %w", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > maxDelaySeconds {
		delaySec = maxDelaySeconds
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"integration": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Integration)),
			},
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.EventID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send IntegrationRetryMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "integration retry enqueued",
		"delivery_id", msg.DeliveryID,
		"integration", string(msg.Integration),
		"event_id", msg.EventID,
		"attempt", msg.Attempt,
		"delay_seconds", delaySec,
	)
	return nil
}

// BackoffDelay is the queue delay before the given delivery attempt. It
// doubles from one minute and stops at the SQS ceiling.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Minute
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelaySeconds*time.Second {
			return maxDelaySeconds * time.Second
		}
	}
	return d
}
