package billing

import (
	"context"
	"fmt"
	"time"

	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// SubscriptionStore is the single write path into the subscription cache.
type SubscriptionStore interface {
	Upsert(ctx context.Context, snap types.SubscriptionSnapshot) error
}

// SnapshotFromInvoice builds the cache row for a paid invoice. A paid
// invoice means the subscription is active; the invoice does not carry the
// cancel flag, so the stored one is kept.
func SnapshotFromInvoice(e *InvoicePaid) types.SubscriptionSnapshot {
	return types.SubscriptionSnapshot{
		SubscriptionID:     e.SubscriptionID,
		CustomerID:         e.CustomerID,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: e.PeriodStart,
		CurrentPeriodEnd:   e.PeriodEnd,
		StripeUpdatedAt:    eventTime(e.Envelope),
	}
}

// SnapshotFromSubscription builds the cache row for an updated or deleted
// subscription. A deletion always stores canceled with the cancel flag set,
// whatever the object says.
func SnapshotFromSubscription(sub Subscription, env Envelope, deleted bool) types.SubscriptionSnapshot {
	status := sub.Status
	cancel := sub.CancelAtPeriodEnd
	if deleted {
		status = types.SubStatusCanceled
		cancel = true
	}
	return types.SubscriptionSnapshot{
		SubscriptionID:     sub.ID,
		CustomerID:         sub.CustomerID,
		Status:             status,
		CurrentPeriodStart: sub.PeriodStart,
		CurrentPeriodEnd:   sub.PeriodEnd,
		CancelAtPeriodEnd:  &cancel,
		StripeUpdatedAt:    eventTime(env),
	}
}

func eventTime(env Envelope) time.Time {
	if env.Created.IsZero() {
		return time.Now().UTC()
	}
	return env.Created
}

// CacheUpdater validates snapshots and writes them to the cache.
type CacheUpdater struct {
	store SubscriptionStore
}

// NewCacheUpdater creates a CacheUpdater.
func NewCacheUpdater(store SubscriptionStore) *CacheUpdater {
	return &CacheUpdater{store: store}
}

// UpsertSubscription writes snap. The write is last-write-wins by
// subscription ID; an invalid snapshot is a permanent error.
func (c *CacheUpdater) UpsertSubscription(ctx context.Context, snap types.SubscriptionSnapshot) error {
	if err := validate.Struct(snap); err != nil {
		return retry.Permanent(types.NewAppError(types.ErrCodeValidationInvalidEvent, "invalid subscription snapshot", err))
	}
	if err := c.store.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", snap.SubscriptionID, err)
	}
	return nil
}
