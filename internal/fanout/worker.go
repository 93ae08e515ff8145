package fanout

import (
	"context"
	"log/slog"
	"time"

	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// Worker replays single integrations from the retry queue.
type Worker struct {
	runner       *Runner
	integrations []Integration
	publisher    RetryPublisher
	maxAttempts  int
	backoff      func(attempt int) time.Duration
	logger       *slog.Logger
}

// WorkerConfig holds the dependencies of a Worker. Runner must be built
// without a Publisher so failures are re-published here with the attempt
// count preserved.
type WorkerConfig struct {
	Runner       *Runner
	Integrations []Integration
	Publisher    RetryPublisher
	MaxAttempts  int
	Backoff      func(attempt int) time.Duration
	Logger       *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		runner:       cfg.Runner,
		integrations: cfg.Integrations,
		publisher:    cfg.Publisher,
		maxAttempts:  cfg.MaxAttempts,
		backoff:      cfg.Backoff,
		logger:       cfg.Logger,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.backoff == nil {
		w.backoff = func(int) time.Duration { return defaultQueueDelay }
	}
	return w
}

// Handle runs the integration named in msg. Unknown integrations are
// dropped. A transient failure is re-published until msg.Attempt reaches
// the configured ceiling. The returned error is only set when re-publishing
// fails, so the queue redelivers the original message.
func (w *Worker) Handle(ctx context.Context, msg types.IntegrationRetryMessage) error {
	in, err := Find(w.integrations, msg.Integration)
	if err != nil {
		w.logger.ErrorContext(ctx, "dropping retry message for unknown integration",
			"integration", string(msg.Integration),
			"delivery_id", msg.DeliveryID,
		)
		return nil
	}

	subj := SubjectFromMessage(msg)
	report := w.runner.Run(ctx, subj, []Integration{in})
	o := report.Outcomes[0]
	if o.Status != types.OutcomeFailed {
		w.logger.InfoContext(ctx, "integration replay settled",
			"integration", string(o.Name),
			"event_id", msg.EventID,
			"status", string(o.Status),
			"attempt", msg.Attempt,
		)
		return nil
	}

	if msg.Attempt >= w.maxAttempts || w.publisher == nil || retry.IsPermanent(o.Err) {
		w.logger.ErrorContext(ctx, "integration replay exhausted",
			"integration", string(o.Name),
			"event_id", msg.EventID,
			"user_id", msg.UserID,
			"customer_id", msg.CustomerID,
			"subscription_id", msg.SubscriptionID,
			"attempt", msg.Attempt,
			"error", o.Err,
		)
		return nil
	}

	next := RetryMessage(subj, o)
	next.DeliveryID = msg.DeliveryID
	next.TraceID = msg.TraceID
	return w.publisher.Publish(ctx, next, w.backoff(msg.Attempt+1))
}
