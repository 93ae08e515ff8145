package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"provisioner/internal/types"
)

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockCloudWatch) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, m.err
}

func dims(d []cwtypes.Dimension) map[string]string {
	out := make(map[string]string, len(d))
	for _, x := range d {
		out[aws.ToString(x.Name)] = aws.ToString(x.Value)
	}
	return out
}

func TestRecordEvent(t *testing.T) {
	cw := &mockCloudWatch{}
	NewCloudWatchRecorder(cw, "Provisioner", nil).RecordEvent(context.Background(), "invoice.paid", types.ResultProcessed)

	if len(cw.inputs) != 1 {
		t.Fatalf("expected 1 call, got %d", len(cw.inputs))
	}
	in := cw.inputs[0]
	if aws.ToString(in.Namespace) != "Provisioner" {
		t.Errorf("namespace = %q", aws.ToString(in.Namespace))
	}
	d := dims(in.MetricData[0].Dimensions)
	if d[DimEventType] != "invoice.paid" || d[DimResult] != "processed" {
		t.Errorf("dimensions = %v", d)
	}
}

func TestRecordIntegration(t *testing.T) {
	cw := &mockCloudWatch{}
	NewCloudWatchRecorder(cw, "Provisioner", nil).
		RecordIntegration(context.Background(), types.IntegrationWallet, types.OutcomeFailed, 1500*time.Millisecond)

	data := cw.inputs[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected outcome and latency datums, got %d", len(data))
	}
	if aws.ToFloat64(data[1].Value) != 1500 || data[1].Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("latency datum = %+v", data[1])
	}
	if dims(data[0].Dimensions)[DimResult] != "failed" {
		t.Errorf("outcome dims = %v", dims(data[0].Dimensions))
	}
}

func TestRecord_ErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatch{err: errors.New("throttled")}
	// Must not panic or propagate.
	NewCloudWatchRecorder(cw, "Provisioner", nil).RecordEvent(context.Background(), "x", types.ResultFailed)
	if len(cw.inputs) != 1 {
		t.Error("expected the call to be attempted")
	}
}
