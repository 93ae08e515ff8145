// Package fanout runs the downstream integrations that follow provisioning.
// Every integration runs concurrently under its own retry budget and a
// failure in one never cancels or blocks the others.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"provisioner/internal/email"
	"provisioner/internal/metrics"
	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// defaultQueueDelay is how long a failed integration waits in the retry
// queue before its first replay.
const defaultQueueDelay = time.Minute

// publishTimeout bounds an enqueue that runs after the pipeline context
// has expired.
const publishTimeout = 5 * time.Second

// ErrSkipped is returned by an integration that has nothing to do for a
// subject. It is recorded as skipped and never retried.
var ErrSkipped = errors.New("integration skipped")

// Subject is the provisioned customer the integrations act on.
type Subject struct {
	EventID         string
	UserID          string
	Email           string
	Name            string
	CustomerID      string
	SubscriptionID  string
	IsNewSubscriber bool

	// Attempt is the number of queue deliveries already spent on this
	// subject; zero for the inline run.
	Attempt int
}

// Integration is one downstream side effect.
type Integration interface {
	Name() types.IntegrationName
	Run(ctx context.Context, subj Subject) error
}

// Outcome is the settled result of one integration.
type Outcome struct {
	Name     types.IntegrationName
	Status   types.OutcomeStatus
	Attempts int
	Err      error
	Duration time.Duration
}

// Report holds one Outcome per integration, in the order they were given.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the failed outcomes.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == types.OutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome for name.
func (r Report) Outcome(name types.IntegrationName) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// RetryPublisher hands a failed integration to the retry queue.
type RetryPublisher interface {
	Publish(ctx context.Context, msg types.IntegrationRetryMessage, delay time.Duration) error
}

// MetricsRecorder records integration outcomes.
type MetricsRecorder interface {
	RecordIntegration(ctx context.Context, name types.IntegrationName, status types.OutcomeStatus, duration time.Duration)
}

// RunnerConfig holds the dependencies of a Runner. Publisher and Metrics
// are optional.
type RunnerConfig struct {
	Policy     retry.Policy
	Publisher  RetryPublisher
	Metrics    MetricsRecorder
	QueueDelay time.Duration
	Sleep      retry.SleepFunc
	Logger     *slog.Logger
}

// Runner executes integrations for a subject.
type Runner struct {
	policy     retry.Policy
	publisher  RetryPublisher
	metrics    MetricsRecorder
	queueDelay time.Duration
	sleep      retry.SleepFunc
	logger     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		policy:     cfg.Policy,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		queueDelay: cfg.QueueDelay,
		sleep:      cfg.Sleep,
		logger:     cfg.Logger,
	}
	if r.metrics == nil {
		r.metrics = metrics.Noop{}
	}
	if r.queueDelay <= 0 {
		r.queueDelay = defaultQueueDelay
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run starts every integration concurrently and waits for all of them to
// settle. It never fails as a whole; failures are reported per outcome,
// logged, counted, and handed to the retry queue when one is configured.
func (r *Runner) Run(ctx context.Context, subj Subject, integrations []Integration) Report {
	outcomes := make([]Outcome, len(integrations))

	var g errgroup.Group
	for i, in := range integrations {
		g.Go(func() error {
			outcomes[i] = r.runOne(ctx, subj, in)
			// Errors stay in the outcome so the group never short-circuits.
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		r.metrics.RecordIntegration(ctx, o.Name, o.Status, o.Duration)
		if o.Status == types.OutcomeFailed {
			r.handleFailure(ctx, subj, o)
		}
	}
	return Report{Outcomes: outcomes}
}

func (r *Runner) runOne(ctx context.Context, subj Subject, in Integration) (out Outcome) {
	out.Name = in.Name()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			out.Status = types.OutcomeFailed
			out.Err = retry.Permanent(fmt.Errorf("integration %s panicked: %v", out.Name, p))
		}
		out.Duration = time.Since(start)
	}()

	opts := []retry.Option{
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			r.logger.WarnContext(ctx, "integration attempt failed, retrying",
				"integration", string(out.Name),
				"event_id", subj.EventID,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	}
	if r.sleep != nil {
		opts = append(opts, retry.WithSleep(r.sleep))
	}

	err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		out.Attempts = attempt
		err := in.Run(ctx, subj)
		if errors.Is(err, ErrSkipped) {
			return retry.Permanent(err)
		}
		return err
	}, opts...)

	switch {
	case err == nil:
		out.Status = types.OutcomeSucceeded
	case errors.Is(err, ErrSkipped):
		out.Status = types.OutcomeSkipped
	default:
		out.Status = types.OutcomeFailed
		out.Err = err
	}
	return out
}

func (r *Runner) handleFailure(ctx context.Context, subj Subject, o Outcome) {
	r.logger.ErrorContext(ctx, "integration failed",
		"integration", string(o.Name),
		"event_id", subj.EventID,
		"user_id", subj.UserID,
		"email", email.RedactEmail(subj.Email),
		"customer_id", subj.CustomerID,
		"subscription_id", subj.SubscriptionID,
		"attempts", o.Attempts,
		"error", o.Err,
	)

	// A permanent failure would fail the same way on replay.
	if r.publisher == nil || retry.IsPermanent(o.Err) {
		return
	}

	// The pipeline deadline is the usual cause of the failure, so the
	// enqueue gets its own.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msg := RetryMessage(subj, o)
	if err := r.publisher.Publish(pubCtx, msg, r.queueDelay); err != nil {
		r.logger.ErrorContext(ctx, "failed to enqueue integration retry",
			"integration", string(o.Name),
			"event_id", subj.EventID,
			"error", err,
		)
	}
}

// RetryMessage builds the queue message that replays o for subj.
func RetryMessage(subj Subject, o Outcome) types.IntegrationRetryMessage {
	msg := types.IntegrationRetryMessage{
		Integration:     o.Name,
		EventID:         subj.EventID,
		UserID:          subj.UserID,
		Email:           subj.Email,
		Name:            subj.Name,
		CustomerID:      subj.CustomerID,
		SubscriptionID:  subj.SubscriptionID,
		IsNewSubscriber: subj.IsNewSubscriber,
		Attempt:         subj.Attempt,
	}
	if o.Err != nil {
		msg.LastError = o.Err.Error()
	}
	return msg
}

// SubjectFromMessage rebuilds the subject carried by a retry message.
func SubjectFromMessage(msg types.IntegrationRetryMessage) Subject {
	return Subject{
		EventID:         msg.EventID,
		UserID:          msg.UserID,
		Email:           msg.Email,
		Name:            msg.Name,
		CustomerID:      msg.CustomerID,
		SubscriptionID:  msg.SubscriptionID,
		IsNewSubscriber: msg.IsNewSubscriber,
		Attempt:         msg.Attempt,
	}
}
