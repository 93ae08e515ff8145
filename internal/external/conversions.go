package external

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"provisioner/internal/types"
)

// ConversionsClientConfig holds the configuration for creating a ConversionsClient.
type ConversionsClientConfig struct {
	BaseURL     string
	PixelID     string
	AccessToken string
	Logger      *slog.Logger
}

// ConversionsClient reports subscriptions to a Conversions-API style
// endpoint. Personal data is sent only as SHA-256 hashes.
type ConversionsClient struct {
	base        *BaseClient
	baseURL     string
	pixelID     string
	accessToken string
	now         func() time.Time
	logger      *slog.Logger
}

// NewConversionsClient creates a ConversionsClient.
func NewConversionsClient(httpClient *http.Client, cfg ConversionsClientConfig) *ConversionsClient {
	return NewConversionsClientWithBase(
		NewBaseClient(httpClient, "conversions", DefaultHTTPPolicy(), userAgent),
		cfg,
	)
}

// NewConversionsClientWithBase creates a ConversionsClient with a pre-configured BaseClient.
func NewConversionsClientWithBase(base *BaseClient, cfg ConversionsClientConfig) *ConversionsClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversionsClient{
		base:        base,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		pixelID:     cfg.PixelID,
		accessToken: cfg.AccessToken,
		now:         time.Now,
		logger:      logger,
	}
}

type conversionEvent struct {
	EventName    string             `json:"event_name"`
	EventTime    int64              `json:"event_time"`
	EventID      string             `json:"event_id"`
	ActionSource string             `json:"action_source"`
	UserData     conversionUserData `json:"user_data"`
}

type conversionUserData struct {
	Email      []string `json:"em"`
	ExternalID []string `json:"external_id,omitempty"`
}

// HashIdentifier normalizes (trim, lowercase) and SHA-256 hashes a value.
func HashIdentifier(v string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(v))))
	return hex.EncodeToString(sum[:])
}

// TrackSubscription sends a Subscribe event keyed by the webhook event ID,
// which the receiver uses for deduplication.
func (c *ConversionsClient) TrackSubscription(ctx context.Context, event SubscriberEvent) error {
	ce := conversionEvent{
		EventName:    "Subscribe",
		EventTime:    c.now().Unix(),
		EventID:      event.EventID,
		ActionSource: "website",
		UserData:     conversionUserData{Email: []string{HashIdentifier(event.Email)}},
	}
	if event.UserID != "" {
		ce.UserData.ExternalID = []string{HashIdentifier(event.UserID)}
	}

	body, err := json.Marshal(map[string]any{"data": []conversionEvent{ce}})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal conversion event", err)
	}

	endpoint := c.baseURL + "/" + url.PathEscape(c.pixelID) + "/events?access_token=" + url.QueryEscape(c.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build conversion request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return vendorError(types.ErrCodeUpstreamAnalytics, "TrackSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp, types.ErrCodeUpstreamAnalytics, "TrackSubscription")
	}
	return nil
}

var _ ConversionTracker = (*ConversionsClient)(nil)
