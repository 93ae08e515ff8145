package types

import (
	"encoding/json"
	"time"
)

// WebhookEvent is one row of the idempotency ledger. It is keyed by the
// provider-assigned event ID and is never deleted.
type WebhookEvent struct {
	ID              string          `json:"id" db:"id"`
	Type            string          `json:"type" db:"type"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	Processed       bool            `json:"processed" db:"processed"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	ProcessingError *string         `json:"processing_error,omitempty" db:"processing_error"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	FailedAt        *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty" db:"last_retry_at"`
}

// Profile is the platform account row keyed by the identity provider's user ID.
type Profile struct {
	ID                    string     `json:"id" db:"id"`
	Email                 string     `json:"email" db:"email"`
	Name                  string     `json:"name,omitempty" db:"name"`
	Phone                 string     `json:"phone,omitempty" db:"phone"`
	StripeCustomerID      string     `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	SubscriptionStartedAt *time.Time `json:"subscription_started_at,omitempty" db:"subscription_started_at"`
	WalletAddress         string     `json:"wallet_address,omitempty" db:"wallet_address"`
	WalletProvider        string     `json:"wallet_provider,omitempty" db:"wallet_provider"`
	WalletCreatedAt       *time.Time `json:"wallet_created_at,omitempty" db:"wallet_created_at"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// HasWallet reports whether a wallet has already been provisioned.
func (p *Profile) HasWallet() bool {
	return p != nil && p.WalletAddress != ""
}

// IsSubscriber reports whether the profile has ever been provisioned by a
// paid event.
func (p *Profile) IsSubscriber() bool {
	return p != nil && p.SubscriptionStartedAt != nil
}

// ProfileUpsert carries the fields written by provisioning. Empty strings
// leave the stored value untouched.
type ProfileUpsert struct {
	ID                    string
	Email                 string
	Name                  string
	Phone                 string
	StripeCustomerID      string
	SubscriptionStartedAt time.Time
}

// SubscriptionSnapshot is the single row shape written to the subscription
// cache. Every event path builds one of these so the stored row never
// depends on which event produced it.
type SubscriptionSnapshot struct {
	SubscriptionID     string             `json:"stripe_subscription_id" validate:"required"`
	CustomerID         string             `json:"stripe_customer_id" validate:"required"`
	Status             SubscriptionStatus `json:"status" validate:"required"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	// CancelAtPeriodEnd is nil when the source event does not carry the flag;
	// the stored value is then kept (false on first insert).
	CancelAtPeriodEnd *bool     `json:"cancel_at_period_end,omitempty"`
	StripeUpdatedAt   time.Time `json:"stripe_updated_at"`
}

// SubscriptionCache is a stored row of the subscription cache.
type SubscriptionCache struct {
	SubscriptionID     string             `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	CustomerID         string             `json:"stripe_customer_id" db:"stripe_customer_id"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	StripeUpdatedAt    time.Time          `json:"stripe_updated_at" db:"stripe_updated_at"`
}

// Customer is the billing-side identity extracted from a checkout.
type Customer struct {
	Email            string `validate:"omitempty,email"`
	Name             string
	Phone            string
	StripeCustomerID string
}

// Sender identifies the From address of outbound email.
type Sender struct {
	Address string
	Name    string
}

// SendInput is a fully rendered email ready for the provider.
type SendInput struct {
	To          string
	From        Sender
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
	Tags        map[string]string
}

// Identity is the authentication provider's view of a user.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
