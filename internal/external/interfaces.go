package external

import (
	"context"
	"errors"

	"provisioner/internal/types"
)

// userAgent is sent on every outbound vendor request.
const userAgent = "Provisioner/1.0"

// ---------------------------------------------------------------------------
// Billing (Stripe)
// ---------------------------------------------------------------------------

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify returns nil when header is a valid signature of payload under
	// secret, ErrWebhookSecretNotConfigured when secret is empty,
	// ErrSignatureMissing when header is empty and ErrSignatureInvalid
	// otherwise.
	Verify(payload []byte, header string, secret string) error
}

// CustomerLookup reads a customer from the billing provider. It is the
// email fallback for checkouts that do not carry one.
type CustomerLookup interface {
	GetCustomer(ctx context.Context, customerID string) (*types.Customer, error)
}

// ---------------------------------------------------------------------------
// Identity (Supabase GoTrue)
// ---------------------------------------------------------------------------

// ErrIdentityExists is returned by CreateIdentity when the email is already
// registered.
var ErrIdentityExists = errors.New("identity already exists")

// ErrIdentityNotFound is returned by FindIdentityByEmail when no identity
// matches.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityProvider creates and resolves authentication identities.
type IdentityProvider interface {
	// CreateIdentity registers email with a confirmed address. metadata is
	// stored as user metadata.
	CreateIdentity(ctx context.Context, email string, metadata map[string]any) (*types.Identity, error)

	// FindIdentityByEmail matches email case-insensitively.
	FindIdentityByEmail(ctx context.Context, email string) (*types.Identity, error)

	// GenerateAccessLink returns a one-time sign-in link for email.
	GenerateAccessLink(ctx context.Context, email string) (string, error)
}

// ---------------------------------------------------------------------------
// Email (Resend)
// ---------------------------------------------------------------------------

// EmailProvider transmits pre-rendered email.
type EmailProvider interface {
	// Send returns the provider's message ID.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// ---------------------------------------------------------------------------
// Wallet (Cavos)
// ---------------------------------------------------------------------------

// WalletProvider creates custodial wallets. Repeating a call with the same
// email and secret returns the same wallet.
type WalletProvider interface {
	CreateWallet(ctx context.Context, email string, secret string) (address string, err error)
}

// ---------------------------------------------------------------------------
// Analytics
// ---------------------------------------------------------------------------

// SubscriberEvent is the payload shared by the analytics webhook and the
// conversion tracker.
type SubscriberEvent struct {
	EventID         string `json:"event_id"`
	EventName       string `json:"event_name"`
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	Name            string `json:"name,omitempty"`
	CustomerID      string `json:"customer_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	IsNewSubscriber bool   `json:"is_new_subscriber"`
	OccurredAt      int64  `json:"occurred_at"`
}

// AnalyticsSink receives subscriber events over a signed webhook.
type AnalyticsSink interface {
	Publish(ctx context.Context, event SubscriberEvent) error
}

// ConversionTracker reports a subscription as an ad conversion.
type ConversionTracker interface {
	TrackSubscription(ctx context.Context, event SubscriberEvent) error
}
