package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"provisioner/internal/config"
	"provisioner/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/integration-retry"

func newTestPublisher(m *mockSQSSender) *RetryPublisher {
	return NewRetryPublisher(m, config.AWSConfig{IntegrationRetryQueue: testQueueURL}, slog.Default())
}

func testMessage() types.IntegrationRetryMessage {
	return types.IntegrationRetryMessage{
		Integration:     types.IntegrationWallet,
		EventID:         "evt_1",
		UserID:          "user-1",
		Email:           "ana@example.com",
		SubscriptionID:  "sub_1",
		IsNewSubscriber: true,
		LastError:       "wallet provider down",
	}
}

func TestPublish_IncrementsAttemptAndSends(t *testing.T) {
	m := &mockSQSSender{}
	p := newTestPublisher(m)

	ctx := types.WithRequestID(context.Background(), "req-1")
	if err := p.Publish(ctx, testMessage(), 2*time.Minute); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if len(m.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(m.calls))
	}

	call := m.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("queue URL = %q", *call.QueueUrl)
	}
	if call.DelaySeconds != 120 {
		t.Errorf("DelaySeconds = %d, want 120", call.DelaySeconds)
	}
	if got := *call.MessageAttributes["integration"].StringValue; got != "wallet" {
		t.Errorf("integration attribute = %q", got)
	}

	var sent types.IntegrationRetryMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &sent); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if sent.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", sent.Attempt)
	}
	if sent.DeliveryID == "" {
		t.Error("DeliveryID should be assigned")
	}
	if sent.TraceID != "req-1" {
		t.Errorf("TraceID = %q, want req-1", sent.TraceID)
	}
}

func TestPublish_ClampsDelay(t *testing.T) {
	m := &mockSQSSender{}
	if err := newTestPublisher(m).Publish(context.Background(), testMessage(), time.Hour); err != nil {
		t.Fatal(err)
	}
	if m.calls[0].DelaySeconds != 900 {
		t.Errorf("DelaySeconds = %d, want 900", m.calls[0].DelaySeconds)
	}
}

func TestPublish_SendError(t *testing.T) {
	m := &mockSQSSender{err: errors.New("throttled")}
	err := newTestPublisher(m).Publish(context.Background(), testMessage(), 0)
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute},
		{12, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
