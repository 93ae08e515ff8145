package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"provisioner/internal/retry"
	"provisioner/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// DefaultWebhookTolerance is the maximum accepted age of a signed webhook.
const DefaultWebhookTolerance = 300 * time.Second

// Signature verification failures. The handler maps ErrWebhookSecretNotConfigured
// to 500 and the other two to 400.
var (
	ErrWebhookSecretNotConfigured = errors.New("webhook signing secret not configured")
	ErrSignatureMissing           = errors.New("webhook signature header missing")
	ErrSignatureInvalid           = errors.New("webhook signature invalid")
)

// StripeVerifier checks Stripe-Signature headers with stripe-go's webhook
// package: HMAC-SHA256 over "<t>.<body>", constant-time comparison and a
// timestamp tolerance.
type StripeVerifier struct {
	// Tolerance defaults to DefaultWebhookTolerance when zero.
	Tolerance time.Duration
}

// Verify validates payload against header and secret. It fails closed when
// secret is empty.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if secret == "" {
		return ErrWebhookSecretNotConfigured
	}
	if strings.TrimSpace(header) == "" {
		return ErrSignatureMissing
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient makes direct REST calls to Stripe through BaseClient. Only
// the customer lookup used as an email fallback is needed.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	return NewStripeClientWithBase(
		NewBaseClient(httpClient, "stripe", DefaultHTTPPolicy(), userAgent),
		cfg,
	)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

type stripeCustomer struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Deleted bool   `json:"deleted"`
}

// GetCustomer fetches a customer by ID. A deleted or unknown customer is a
// permanent NotFound error.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*types.Customer, error) {
	if s.secretKey == "" {
		return nil, retry.Permanent(types.NewAppError(
			types.ErrCodeConfigProviderKey, "stripe secret key not configured", nil))
	}

	reqURL := s.baseURL + "/v1/customers/" + url.PathEscape(customerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build stripe request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, vendorError(types.ErrCodeUpstreamStripe, "GetCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, retry.Permanent(types.NewAppError(
			types.ErrCodeNotFoundCustomer, fmt.Sprintf("stripe customer %s not found", customerID), nil))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp, types.ErrCodeUpstreamStripe, "GetCustomer")
	}

	var c stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "GetCustomer: invalid response body", err)
	}
	if c.Deleted {
		return nil, retry.Permanent(types.NewAppError(
			types.ErrCodeNotFoundCustomer, fmt.Sprintf("stripe customer %s is deleted", customerID), nil))
	}

	return &types.Customer{
		Email:            c.Email,
		Name:             c.Name,
		Phone:            c.Phone,
		StripeCustomerID: c.ID,
	}, nil
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
var _ CustomerLookup = (*StripeClient)(nil)
