// Package handlers contains the HTTP handlers of the provisioning API.
//
// The Stripe webhook endpoint is not behind the admin key. It is called
// directly by Stripe and authenticated by the Stripe-Signature header.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"provisioner/internal/billing"
	"provisioner/internal/core"
	"provisioner/internal/external"
	"provisioner/internal/types"
)

// defaultMaxWebhookBody is used when no body cap is configured.
const defaultMaxWebhookBody = 64 * 1024

// defaultProcessTimeout bounds one pipeline run. It is detached from the
// request so a dropped connection does not abandon a half-provisioned user.
const defaultProcessTimeout = 25 * time.Second

// EventProcessor runs a verified payload through the pipeline.
type EventProcessor interface {
	Process(ctx context.Context, raw []byte) (billing.Result, error)
}

// StripeWebhookConfig holds the dependencies of StripeWebhookHandler.
type StripeWebhookConfig struct {
	Verifier  external.WebhookVerifier
	Processor EventProcessor
	Secret    types.SecretString
	// MaxBody caps the request body in bytes.
	MaxBody        int64
	ProcessTimeout time.Duration
	Logger         *slog.Logger
}

// StripeWebhookHandler receives Stripe events.
type StripeWebhookHandler struct {
	verifier       external.WebhookVerifier
	processor      EventProcessor
	secret         types.SecretString
	maxBody        int64
	processTimeout time.Duration
	logger         *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(cfg StripeWebhookConfig) *StripeWebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxWebhookBody
	}
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	return &StripeWebhookHandler{
		verifier:       cfg.Verifier,
		processor:      cfg.Processor,
		secret:         cfg.Secret,
		maxBody:        maxBody,
		processTimeout: timeout,
		logger:         logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle verifies and processes one delivery.
//
// Only configuration and authentication problems are reported to Stripe.
// Once the signature is valid the answer is 200 whatever the pipeline
// outcome: failures are kept on the event ledger for replay, and a non-2xx
// answer would only make Stripe redeliver a payload that is already stored.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WarnContext(r.Context(), "webhook body too large", "limit", h.maxBody)
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationBodyTooLarge, "request body too large", err))
			return
		}
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	if err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"), h.secret.Unmask()); err != nil {
		core.Error(w, r, h.verifyError(r.Context(), err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
	defer cancel()

	res, err := h.processor.Process(ctx, payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", res.EventID,
			"event_type", res.EventType,
			"attempts", res.Attempts,
			"error", err,
		)
	}

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

func (h *StripeWebhookHandler) verifyError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, external.ErrWebhookSecretNotConfigured):
		h.logger.ErrorContext(ctx, "stripe webhook secret is not configured")
		return types.NewAppError(types.ErrCodeConfigWebhookSecret, "webhook signing secret not configured", err)
	case errors.Is(err, external.ErrSignatureMissing):
		h.logger.WarnContext(ctx, "missing Stripe-Signature header")
		return types.NewAppError(types.ErrCodeWebhookSignatureMissing, "missing Stripe-Signature header", err)
	default:
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		return types.NewAppError(types.ErrCodeWebhookSignatureInvalid, "webhook signature verification failed", err)
	}
}
