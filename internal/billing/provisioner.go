package billing

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"provisioner/internal/email"
	"provisioner/internal/external"
	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// ErrMissingEmail means a checkout carried no usable email. It is wrapped
// as permanent: retrying the same event cannot produce one.
var ErrMissingEmail = types.NewAppError(types.ErrCodeValidationMissingEmail, "checkout has no customer email", nil)

// IdentityResolver is the part of the identity provider used to resolve a
// user ID for an email.
type IdentityResolver interface {
	CreateIdentity(ctx context.Context, email string, metadata map[string]any) (*types.Identity, error)
	FindIdentityByEmail(ctx context.Context, email string) (*types.Identity, error)
}

// ProfileStore reads and writes account profiles.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*types.Profile, error)
	Upsert(ctx context.Context, in types.ProfileUpsert) (*types.Profile, error)
}

// Provisioned is the result of provisioning one customer.
type Provisioned struct {
	UserID          string
	Email           string
	Name            string
	IsNewIdentity   bool
	IsNewSubscriber bool
	// Profile is nil when the profile upsert failed.
	Profile *types.Profile
}

// Provisioner resolves or creates the identity for a paying customer and
// writes its profile.
type Provisioner struct {
	identities IdentityResolver
	profiles   ProfileStore
	sanitizer  *bluemonday.Policy
	now        func() time.Time
	logger     *slog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(identities IdentityResolver, profiles ProfileStore, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		identities: identities,
		profiles:   profiles,
		sanitizer:  bluemonday.StrictPolicy(),
		now:        time.Now,
		logger:     logger,
	}
}

// Provision creates the identity for c (or finds the existing one), decides
// whether c is a new subscriber and upserts the profile.
//
// A failed profile upsert is logged and does not fail provisioning: the
// identity exists and the welcome email still has to go out.
func (p *Provisioner) Provision(ctx context.Context, c types.Customer) (*Provisioned, error) {
	addr := normalizeEmail(c.Email)
	if addr == "" {
		return nil, retry.Permanent(ErrMissingEmail)
	}
	name := p.clean(c.Name)
	phone := p.clean(c.Phone)

	userID, isNewIdentity, err := p.resolveIdentity(ctx, addr, name)
	if err != nil {
		return nil, err
	}

	isNewSubscriber := true
	existing, err := p.profiles.GetByID(ctx, userID)
	switch {
	case err == nil:
		isNewSubscriber = !existing.IsSubscriber()
	case types.HasCode(err, types.ErrCodeNotFoundProfile):
	default:
		return nil, fmt.Errorf("failed to load profile %s: %w", userID, err)
	}

	out := &Provisioned{
		UserID:          userID,
		Email:           addr,
		Name:            name,
		IsNewIdentity:   isNewIdentity,
		IsNewSubscriber: isNewSubscriber,
	}

	profile, err := p.profiles.Upsert(ctx, types.ProfileUpsert{
		ID:                    userID,
		Email:                 addr,
		Name:                  name,
		Phone:                 phone,
		StripeCustomerID:      c.StripeCustomerID,
		SubscriptionStartedAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "profile upsert failed",
			"user_id", userID,
			"email", email.RedactEmail(addr),
			"customer_id", c.StripeCustomerID,
			"error", err,
		)
		return out, nil
	}
	out.Profile = profile

	p.logger.InfoContext(ctx, "customer provisioned",
		"user_id", userID,
		"email", email.RedactEmail(addr),
		"customer_id", c.StripeCustomerID,
		"new_identity", isNewIdentity,
		"new_subscriber", isNewSubscriber,
	)
	return out, nil
}

func (p *Provisioner) resolveIdentity(ctx context.Context, addr, name string) (string, bool, error) {
	var metadata map[string]any
	if name != "" {
		metadata = map[string]any{"full_name": name}
	}

	ident, err := p.identities.CreateIdentity(ctx, addr, metadata)
	if err == nil {
		return ident.ID, true, nil
	}
	if !errors.Is(err, external.ErrIdentityExists) {
		return "", false, fmt.Errorf("failed to create identity: %w", err)
	}

	ident, err = p.identities.FindIdentityByEmail(ctx, addr)
	if err != nil {
		if errors.Is(err, external.ErrIdentityNotFound) {
			// Reported as existing but not listed; the next attempt may see it.
			return "", false, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity exists but was not found by email", err)
		}
		return "", false, fmt.Errorf("failed to find identity: %w", err)
	}
	return ident.ID, false, nil
}

// clean strips markup from customer-supplied text. Entities produced by the
// policy are decoded again because the value is stored as plain text.
func (p *Provisioner) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(p.sanitizer.Sanitize(s)))
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
