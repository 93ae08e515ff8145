// Package metrics emits pipeline metrics to CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"provisioner/internal/types"
)

// Metric and dimension names.
const (
	MetricWebhookEvent       = "WebhookEvent"
	MetricIntegrationOutcome = "IntegrationOutcome"
	MetricIntegrationLatency = "IntegrationLatency"

	DimEventType   = "EventType"
	DimResult      = "Result"
	DimIntegration = "Integration"
)

// Recorder is the metrics surface used by the pipeline.
type Recorder interface {
	RecordEvent(ctx context.Context, eventType string, result types.ProcessResult)
	RecordIntegration(ctx context.Context, name types.IntegrationName, status types.OutcomeStatus, duration time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder implements Recorder with PutMetricData. Emission
// failures are logged and never returned.
//
// Metrics emitted:
//   - WebhookEvent: Dims {EventType, Result}, one per processed delivery
//   - IntegrationOutcome: Dims {Integration, Result}, one per fan-out call
//   - IntegrationLatency: Dims {Integration}, milliseconds
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a CloudWatchRecorder publishing to namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

// RecordEvent counts one webhook delivery by type and disposition.
func (m *CloudWatchRecorder) RecordEvent(ctx context.Context, eventType string, result types.ProcessResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricWebhookEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimEventType), Value: aws.String(eventType)},
			{Name: aws.String(DimResult), Value: aws.String(string(result))},
		},
	})
}

// RecordIntegration counts one integration outcome and its latency.
func (m *CloudWatchRecorder) RecordIntegration(ctx context.Context, name types.IntegrationName, status types.OutcomeStatus, duration time.Duration) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricIntegrationOutcome),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimIntegration), Value: aws.String(string(name))},
				{Name: aws.String(DimResult), Value: aws.String(string(status))},
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricIntegrationLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimIntegration), Value: aws.String(string(name))},
			},
		},
	)
}

func (m *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to put metric data",
			"error", err,
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// Noop discards all metrics.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordEvent(context.Context, string, types.ProcessResult) {}
func (Noop) RecordIntegration(context.Context, types.IntegrationName, types.OutcomeStatus, time.Duration) {
}
