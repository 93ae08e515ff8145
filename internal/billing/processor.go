package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"provisioner/internal/metrics"
	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// maxErrorLen bounds the processing_error stored in the ledger.
const maxErrorLen = 1000

// Ledger is the idempotency ledger the processor reads and writes.
type Ledger interface {
	RecordEvent(ctx context.Context, id, eventType string, payload json.RawMessage) error
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	GetByID(ctx context.Context, id string) (*types.WebhookEvent, error)
}

// EventMetrics records how each event was disposed of.
type EventMetrics interface {
	RecordEvent(ctx context.Context, eventType string, result types.ProcessResult)
}

// ProcessorConfig holds the dependencies of a Processor. Metrics and Sleep
// are optional.
type ProcessorConfig struct {
	Ledger  Ledger
	Handler EventHandler
	Policy  retry.Policy
	Metrics EventMetrics
	Sleep   retry.SleepFunc
	Logger  *slog.Logger
}

// Result describes what Process did with one event.
type Result struct {
	EventID   string
	EventType string
	Status    types.ProcessResult
	// Attempts is the number of handler invocations; zero when the event
	// was not dispatched.
	Attempts int
}

// Processor runs verified webhook payloads through the ledger and the
// router.
type Processor struct {
	ledger  Ledger
	handler EventHandler
	policy  retry.Policy
	metrics EventMetrics
	sleep   retry.SleepFunc
	logger  *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		ledger:  cfg.Ledger,
		handler: cfg.Handler,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		sleep:   cfg.Sleep,
		logger:  cfg.Logger,
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Process records raw in the ledger and handles it unless it was already
// processed. The returned error is for logging only: callers acknowledge
// the delivery either way so the provider does not retry.
func (p *Processor) Process(ctx context.Context, raw []byte) (Result, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		p.metrics.RecordEvent(ctx, "invalid", types.ResultFailed)
		return Result{Status: types.ResultFailed}, err
	}
	res := Result{EventID: env.ID, EventType: env.Type}

	if err := p.ledger.RecordEvent(ctx, env.ID, env.Type, json.RawMessage(raw)); err != nil {
		res.Status = types.ResultFailed
		p.metrics.RecordEvent(ctx, env.Type, res.Status)
		return res, fmt.Errorf("failed to record event %s: %w", env.ID, err)
	}

	processed, err := p.ledger.IsProcessed(ctx, env.ID)
	if err != nil {
		res.Status = types.ResultFailed
		p.metrics.RecordEvent(ctx, env.Type, res.Status)
		return res, fmt.Errorf("failed to check event %s: %w", env.ID, err)
	}
	if processed {
		p.logger.InfoContext(ctx, "event already processed",
			"event_id", env.ID,
			"event_type", env.Type,
		)
		res.Status = types.ResultAlreadyProcessed
		p.metrics.RecordEvent(ctx, env.Type, res.Status)
		return res, nil
	}

	return p.run(ctx, res, raw)
}

// Replay handles a stored event that has not been processed. Result.Status
// is empty when the event could not be loaded.
func (p *Processor) Replay(ctx context.Context, id string) (Result, error) {
	stored, err := p.ledger.GetByID(ctx, id)
	if err != nil {
		return Result{EventID: id}, err
	}
	res := Result{EventID: stored.ID, EventType: stored.Type}
	if stored.Processed {
		res.Status = types.ResultAlreadyProcessed
		return res, types.NewAppError(types.ErrCodeConflictAlreadyProcessed,
			fmt.Sprintf("event %s is already processed", id), nil)
	}

	p.logger.InfoContext(ctx, "replaying event",
		"event_id", stored.ID,
		"event_type", stored.Type,
		"retry_count", stored.RetryCount,
	)
	return p.run(ctx, res, stored.Payload)
}

func (p *Processor) run(ctx context.Context, res Result, raw []byte) (Result, error) {
	ctx = types.WithEventID(ctx, res.EventID)
	ctx = types.WithLogger(ctx, p.logger.With("event_id", res.EventID, "event_type", res.EventType))

	ev, err := ParseEvent(raw)
	if err != nil {
		return p.fail(ctx, res, err)
	}

	opts := []retry.Option{
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			p.logger.WarnContext(ctx, "event handling failed, retrying",
				"event_id", res.EventID,
				"event_type", res.EventType,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	}
	if p.sleep != nil {
		opts = append(opts, retry.WithSleep(p.sleep))
	}

	err = retry.Do(ctx, p.policy, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		if err := p.ledger.MarkProcessing(ctx, res.EventID); err != nil {
			return fmt.Errorf("failed to mark event processing: %w", err)
		}
		return Dispatch(ctx, ev, p.handler)
	}, opts...)
	if err != nil {
		return p.fail(ctx, res, err)
	}

	if err := p.ledger.MarkProcessed(context.WithoutCancel(ctx), res.EventID); err != nil {
		// Handlers are idempotent, so a redelivery after this is harmless.
		p.logger.ErrorContext(ctx, "failed to mark event processed",
			"event_id", res.EventID,
			"error", err,
		)
		res.Status = types.ResultFailed
		p.metrics.RecordEvent(ctx, res.EventType, res.Status)
		return res, fmt.Errorf("failed to mark event %s processed: %w", res.EventID, err)
	}

	res.Status = types.ResultProcessed
	if _, ok := ev.(*UnknownEvent); ok {
		res.Status = types.ResultIgnored
	}
	p.metrics.RecordEvent(ctx, res.EventType, res.Status)
	p.logger.InfoContext(ctx, "event processed",
		"event_id", res.EventID,
		"event_type", res.EventType,
		"status", res.Status,
		"attempts", res.Attempts,
	)
	return res, nil
}

// fail records err on the ledger row. The bookkeeping write ignores
// cancellation of ctx so a timed-out request still leaves a trace.
func (p *Processor) fail(ctx context.Context, res Result, cause error) (Result, error) {
	res.Status = types.ResultFailed
	reason := cause.Error()
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}
	if err := p.ledger.MarkFailed(context.WithoutCancel(ctx), res.EventID, reason); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark event failed",
			"event_id", res.EventID,
			"error", err,
		)
	}
	p.logger.ErrorContext(ctx, "event processing failed",
		"event_id", res.EventID,
		"event_type", res.EventType,
		"attempts", res.Attempts,
		"permanent", retry.IsPermanent(cause),
		"error", cause,
	)
	p.metrics.RecordEvent(ctx, res.EventType, res.Status)
	return res, cause
}
