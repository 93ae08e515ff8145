package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"provisioner/internal/types"
)

// EventRepository is the idempotency ledger over the webhook_events table.
//
// Key invariants:
//   - RecordEvent never touches processed, so a redelivery of a finished
//     event stays finished.
//   - Rows are never deleted.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository backed by the given
// database connection (pool or transaction).
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, type, payload, processed, retry_count, processing_error,
	created_at, processed_at, failed_at, last_retry_at`

func scanEvent(row pgx.Row) (*types.WebhookEvent, error) {
	var e types.WebhookEvent
	err := row.Scan(
		&e.ID,
		&e.Type,
		&e.Payload,
		&e.Processed,
		&e.RetryCount,
		&e.ProcessingError,
		&e.CreatedAt,
		&e.ProcessedAt,
		&e.FailedAt,
		&e.LastRetryAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordEvent upserts the event by id. On conflict only type and payload
// are refreshed.
func (r *EventRepository) RecordEvent(ctx context.Context, id, eventType string, payload json.RawMessage) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (id, type, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET type = EXCLUDED.type,
		     payload = EXCLUDED.payload`,
		id, eventType, payload,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return nil
}

// IsProcessed reports whether the event has reached its terminal success
// state. An unknown id is not processed.
func (r *EventRepository) IsProcessed(ctx context.Context, id string) (bool, error) {
	var processed bool
	err := r.db.QueryRow(ctx,
		`SELECT processed FROM webhook_events WHERE id = $1`,
		id,
	).Scan(&processed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook event", err)
	}
	return processed, nil
}

// MarkProcessing counts one processing attempt.
func (r *EventRepository) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET retry_count = retry_count + 1,
		     last_retry_at = NOW()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processing", err)
	}
	return nil
}

// MarkProcessed moves the event to its terminal success state and clears
// any error left by an earlier failed run.
func (r *EventRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = TRUE,
		     processed_at = NOW(),
		     processing_error = NULL
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	return nil
}

// MarkFailed records the terminal error of an exhausted run. The event stays
// unprocessed so a redelivery or replay can still finish it.
func (r *EventRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processing_error = $2,
		     failed_at = NOW()
		 WHERE id = $1
		   AND processed = FALSE`,
		id, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event failed", err)
	}
	return nil
}

// GetByID returns a single ledger row.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*types.WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`,
		id,
	)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, fmt.Sprintf("webhook event %s not found", id), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get webhook event", err)
	}
	return e, nil
}

// ListFailed returns unprocessed events that exhausted their retries, most
// recent failure first.
func (r *EventRepository) ListFailed(ctx context.Context, limit int) ([]*types.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM webhook_events
		 WHERE processed = FALSE AND failed_at IS NOT NULL
		 ORDER BY failed_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list failed webhook events", err)
	}
	defer rows.Close()

	events := make([]*types.WebhookEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate webhook events", err)
	}
	return events, nil
}
