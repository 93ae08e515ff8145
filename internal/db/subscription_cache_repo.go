package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"provisioner/internal/types"
)

// SubscriptionCacheRepository writes the subscription_cache table through
// the upsert_subscription_cache function, its only mutation path.
type SubscriptionCacheRepository struct {
	db DBTX
}

// NewSubscriptionCacheRepository creates a new SubscriptionCacheRepository
// backed by the given database connection (pool or transaction).
func NewSubscriptionCacheRepository(db DBTX) *SubscriptionCacheRepository {
	return &SubscriptionCacheRepository{db: db}
}

// Upsert applies snap by subscription id. Zero period bounds and a nil
// cancel flag keep the stored values.
func (r *SubscriptionCacheRepository) Upsert(ctx context.Context, snap types.SubscriptionSnapshot) error {
	_, err := r.db.Exec(ctx,
		`SELECT upsert_subscription_cache($1, $2, $3, $4, $5, $6, $7)`,
		snap.SubscriptionID,
		snap.CustomerID,
		string(snap.Status),
		nullTime(snap.CurrentPeriodStart),
		nullTime(snap.CurrentPeriodEnd),
		snap.CancelAtPeriodEnd,
		snap.StripeUpdatedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription cache", err)
	}
	return nil
}

// Get returns the cached row for a subscription id, or nil when none exists.
func (r *SubscriptionCacheRepository) Get(ctx context.Context, subscriptionID string) (*types.SubscriptionCache, error) {
	var c types.SubscriptionCache
	err := r.db.QueryRow(ctx,
		`SELECT stripe_subscription_id, stripe_customer_id, status, current_period_start,
		        current_period_end, cancel_at_period_end, stripe_updated_at
		 FROM subscription_cache
		 WHERE stripe_subscription_id = $1`,
		subscriptionID,
	).Scan(
		&c.SubscriptionID,
		&c.CustomerID,
		&c.Status,
		&c.CurrentPeriodStart,
		&c.CurrentPeriodEnd,
		&c.CancelAtPeriodEnd,
		&c.StripeUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription cache", err)
	}
	return &c, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
