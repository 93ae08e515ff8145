package fanout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"provisioner/internal/email"
	"provisioner/internal/external"
	"provisioner/internal/types"
)

// ---------------------------------------------------------------------------
// Welcome email
// ---------------------------------------------------------------------------

// AccessLinker issues one-time sign-in links.
type AccessLinker interface {
	GenerateAccessLink(ctx context.Context, email string) (string, error)
}

// WelcomeEmail sends the welcome template to new subscribers and the
// welcome_back template to returning ones. Only new subscribers get an
// access link.
type WelcomeEmail struct {
	links    AccessLinker
	sender   external.EmailProvider
	renderer *email.Renderer
}

// NewWelcomeEmail creates the welcome_email integration.
func NewWelcomeEmail(links AccessLinker, sender external.EmailProvider, renderer *email.Renderer) *WelcomeEmail {
	return &WelcomeEmail{links: links, sender: sender, renderer: renderer}
}

func (w *WelcomeEmail) Name() types.IntegrationName { return types.IntegrationWelcomeEmail }

func (w *WelcomeEmail) Run(ctx context.Context, subj Subject) error {
	tmpl := email.TemplateWelcomeBack
	data := email.Data{Name: subj.Name, Email: subj.Email}

	if subj.IsNewSubscriber {
		tmpl = email.TemplateWelcome
		link, err := w.links.GenerateAccessLink(ctx, subj.Email)
		if err != nil {
			return fmt.Errorf("generate access link: %w", err)
		}
		data.AccessLink = link
	}

	rendered, err := w.renderer.Render(tmpl, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", tmpl, err)
	}

	_, err = w.sender.Send(ctx, types.SendInput{
		To:          subj.Email,
		From:        w.renderer.Sender(),
		Subject:     rendered.Subject,
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: fmt.Sprintf("%s:%s", subj.EventID, types.IntegrationWelcomeEmail),
		Tags: map[string]string{
			"template": string(tmpl),
			"event_id": subj.EventID,
		},
	})
	return err
}

// ---------------------------------------------------------------------------
// Analytics webhook
// ---------------------------------------------------------------------------

// Analytics event names.
const (
	EventSubscriberCreated  = "subscriber.created"
	EventSubscriberReturned = "subscriber.returned"
)

// AnalyticsWebhook publishes a signed subscriber event.
type AnalyticsWebhook struct {
	sink external.AnalyticsSink
	now  func() time.Time
}

// NewAnalyticsWebhook creates the analytics_webhook integration.
func NewAnalyticsWebhook(sink external.AnalyticsSink) *AnalyticsWebhook {
	return &AnalyticsWebhook{sink: sink, now: time.Now}
}

func (a *AnalyticsWebhook) Name() types.IntegrationName { return types.IntegrationAnalytics }

func (a *AnalyticsWebhook) Run(ctx context.Context, subj Subject) error {
	return a.sink.Publish(ctx, subscriberEvent(subj, a.now()))
}

func subscriberEvent(subj Subject, now time.Time) external.SubscriberEvent {
	name := EventSubscriberReturned
	if subj.IsNewSubscriber {
		name = EventSubscriberCreated
	}
	return external.SubscriberEvent{
		EventID:         subj.EventID,
		EventName:       name,
		UserID:          subj.UserID,
		Email:           subj.Email,
		Name:            subj.Name,
		CustomerID:      subj.CustomerID,
		SubscriptionID:  subj.SubscriptionID,
		IsNewSubscriber: subj.IsNewSubscriber,
		OccurredAt:      now.Unix(),
	}
}

// ---------------------------------------------------------------------------
// Conversion tracking
// ---------------------------------------------------------------------------

// ConversionTracking reports the subscription to the ads conversions API.
type ConversionTracking struct {
	tracker external.ConversionTracker
	now     func() time.Time
}

// NewConversionTracking creates the conversion_tracking integration.
func NewConversionTracking(tracker external.ConversionTracker) *ConversionTracking {
	return &ConversionTracking{tracker: tracker, now: time.Now}
}

func (c *ConversionTracking) Name() types.IntegrationName { return types.IntegrationConversion }

func (c *ConversionTracking) Run(ctx context.Context, subj Subject) error {
	return c.tracker.TrackSubscription(ctx, subscriberEvent(subj, c.now()))
}

// ---------------------------------------------------------------------------
// Wallet
// ---------------------------------------------------------------------------

// WalletStore reads and writes the wallet fields of a profile.
type WalletStore interface {
	GetByID(ctx context.Context, id string) (*types.Profile, error)
	SetWallet(ctx context.Context, id, address, provider string) (bool, error)
}

// DeriveWalletSecret returns prefix + hex(sha256(lower(trim(email)))). The
// result depends only on the email, so a repeated create for the same
// customer resolves to the same wallet at the provider.
func DeriveWalletSecret(prefix, email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return prefix + hex.EncodeToString(sum[:])
}

// Wallet creates a custodial wallet once per profile.
type Wallet struct {
	provider external.WalletProvider
	profiles WalletStore
	prefix   string
	logger   *slog.Logger
}

// NewWallet creates the wallet integration.
func NewWallet(provider external.WalletProvider, profiles WalletStore, secretPrefix string, logger *slog.Logger) *Wallet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wallet{provider: provider, profiles: profiles, prefix: secretPrefix, logger: logger}
}

func (w *Wallet) Name() types.IntegrationName { return types.IntegrationWallet }

func (w *Wallet) Run(ctx context.Context, subj Subject) error {
	profile, err := w.profiles.GetByID(ctx, subj.UserID)
	switch {
	case err == nil && profile.HasWallet():
		return ErrSkipped
	case err != nil && !types.HasCode(err, types.ErrCodeNotFoundProfile):
		return fmt.Errorf("load profile: %w", err)
	}

	address, err := w.provider.CreateWallet(ctx, subj.Email, DeriveWalletSecret(w.prefix, subj.Email))
	if err != nil {
		return err
	}

	written, err := w.profiles.SetWallet(ctx, subj.UserID, address, types.WalletProviderCavos)
	if err != nil {
		return fmt.Errorf("store wallet: %w", err)
	}
	if !written {
		w.logger.InfoContext(ctx, "wallet not stored; profile missing or already has one",
			"user_id", subj.UserID,
			"event_id", subj.EventID,
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

// ErrUnknownIntegration is returned by Find for a name not in the set.
var ErrUnknownIntegration = errors.New("unknown integration")

// Find returns the integration named name.
func Find(set []Integration, name types.IntegrationName) (Integration, error) {
	for _, in := range set {
		if in.Name() == name {
			return in, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, name)
}

var (
	_ Integration = (*WelcomeEmail)(nil)
	_ Integration = (*AnalyticsWebhook)(nil)
	_ Integration = (*ConversionTracking)(nil)
	_ Integration = (*Wallet)(nil)
)

// Providers holds the clients the integrations call. A nil optional
// provider leaves its integration out of the set.
type Providers struct {
	Links    AccessLinker
	Email    external.EmailProvider
	Renderer *email.Renderer

	Wallet             external.WalletProvider
	Profiles           WalletStore
	WalletSecretPrefix string

	Analytics   external.AnalyticsSink
	Conversions external.ConversionTracker
	Logger      *slog.Logger
}

// Assemble builds the integration set in a stable order. The welcome email
// is always present.
func Assemble(p Providers) []Integration {
	set := []Integration{NewWelcomeEmail(p.Links, p.Email, p.Renderer)}
	if p.Wallet != nil {
		set = append(set, NewWallet(p.Wallet, p.Profiles, p.WalletSecretPrefix, p.Logger))
	}
	if p.Analytics != nil {
		set = append(set, NewAnalyticsWebhook(p.Analytics))
	}
	if p.Conversions != nil {
		set = append(set, NewConversionTracking(p.Conversions))
	}
	return set
}
