package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"provisioner/internal/billing"
	"provisioner/internal/core"
	"provisioner/internal/types"
)

// AdminKeyHeader carries the operator credential.
const AdminKeyHeader = "X-Admin-Key"

const defaultFailedLimit = 100

// EventLedgerReader is the read side of the webhook event ledger.
type EventLedgerReader interface {
	ListFailed(ctx context.Context, limit int) ([]*types.WebhookEvent, error)
	GetByID(ctx context.Context, id string) (*types.WebhookEvent, error)
}

// EventReplayer re-runs a stored event through the pipeline.
type EventReplayer interface {
	Replay(ctx context.Context, id string) (billing.Result, error)
}

// AdminEventsHandler lets operators inspect and replay failed deliveries.
type AdminEventsHandler struct {
	ledger    EventLedgerReader
	replayer  EventReplayer
	adminKey  types.SecretString
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminEventsHandler creates an AdminEventsHandler. An unset adminKey
// rejects every request.
func NewAdminEventsHandler(
	ledger EventLedgerReader,
	replayer EventReplayer,
	adminKey types.SecretString,
	v *core.Validator,
	logger *slog.Logger,
) *AdminEventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &AdminEventsHandler{
		ledger:    ledger,
		replayer:  replayer,
		adminKey:  adminKey,
		validator: v,
		logger:    logger,
	}
}

// RegisterRoutes mounts the admin endpoints under /v1/admin.
func (h *AdminEventsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/admin/webhook-events", func(r chi.Router) {
		r.Use(h.requireAdminKey)
		r.Get("/failed", h.ListFailed)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/replay", h.Replay)
	})
}

func (h *AdminEventsHandler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			core.Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyMissing, "missing "+AdminKeyHeader+" header", nil))
			return
		}
		if !h.adminKey.Matches(key) {
			h.logger.WarnContext(r.Context(), "admin key rejected", "path", r.URL.Path)
			core.Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type listFailedParams struct {
	Limit int `query:"limit" validate:"min=1,max=500"`
}

// ListFailed returns unprocessed events whose last attempt failed.
func (h *AdminEventsHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	params := listFailedParams{Limit: defaultFailedLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
				"limit must be an integer", err, map[string]any{"fields": map[string]any{"limit": "integer"}}))
			return
		}
		params.Limit = n
	}
	if err := h.validator.ValidateStruct(params); err != nil {
		core.Error(w, r, err)
		return
	}

	events, err := h.ledger.ListFailed(r.Context(), params.Limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: events,
		Meta: &core.ResponseMeta{Count: len(events)},
	})
}

// Get returns one ledger row including its payload.
func (h *AdminEventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.ledger.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: event})
}

type replayResponse struct {
	EventID   string              `json:"event_id"`
	EventType string              `json:"event_type"`
	Status    types.ProcessResult `json:"status"`
	Attempts  int                 `json:"attempts"`
	Error     string              `json:"error,omitempty"`
}

// Replay re-runs an unprocessed event. A replay whose handlers fail again
// is still a 200; the outcome is in the body and on the ledger.
func (h *AdminEventsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.replayer.Replay(r.Context(), id)
	if err != nil && res.Status != types.ResultFailed {
		core.Error(w, r, err)
		return
	}

	resp := replayResponse{
		EventID:   res.EventID,
		EventType: res.EventType,
		Status:    res.Status,
		Attempts:  res.Attempts,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	h.logger.InfoContext(r.Context(), "webhook event replayed",
		"event_id", id,
		"status", res.Status,
		"attempts", res.Attempts,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
