package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"provisioner/internal/types"
)

type mockWorker struct {
	handled []types.IntegrationRetryMessage
	reqIDs  []string
	errFor  map[string]error
}

func (m *mockWorker) Handle(ctx context.Context, msg types.IntegrationRetryMessage) error {
	m.handled = append(m.handled, msg)
	m.reqIDs = append(m.reqIDs, types.GetRequestID(ctx))
	return m.errFor[msg.DeliveryID]
}

func newTestHandler(w *mockWorker) *Handler {
	return &Handler{worker: w, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestHandle_PartialBatchFailure(t *testing.T) {
	w := &mockWorker{errFor: map[string]error{"del-2": errors.New("sqs unavailable")}}
	h := newTestHandler(w)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: `{"delivery_id":"del-1","integration":"welcome_email","event_id":"evt_1","attempt":1}`},
		{MessageId: "m2", Body: `{"delivery_id":"del-2","integration":"wallet","event_id":"evt_1","attempt":2}`},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.handled) != 2 {
		t.Fatalf("handled %d messages, want 2", len(w.handled))
	}
	if w.handled[1].Attempt != 2 || w.handled[1].Integration != "wallet" {
		t.Errorf("second message decoded as %+v", w.handled[1])
	}
	if w.reqIDs[0] != "del-1" {
		t.Errorf("request id = %q, want del-1", w.reqIDs[0])
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m2" {
		t.Errorf("batch failures = %+v, want [m2]", resp.BatchItemFailures)
	}
}

func TestHandle_UndecodableMessageIsAcked(t *testing.T) {
	w := &mockWorker{}
	h := newTestHandler(w)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad", Body: `not json`},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.handled) != 0 {
		t.Errorf("worker called for undecodable body")
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("undecodable message reported as failure: %+v", resp.BatchItemFailures)
	}
}
