package external

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"provisioner/internal/types"

	"github.com/klauspost/compress/gzip"
)

// AnalyticsClientConfig holds the configuration for creating an AnalyticsClient.
type AnalyticsClientConfig struct {
	URL    string
	Secret string
	// Gzip compresses the body and sets Content-Encoding.
	Gzip   bool
	Logger *slog.Logger
}

// AnalyticsClient posts signed subscriber events to a generic webhook.
type AnalyticsClient struct {
	base   *BaseClient
	url    string
	signer Signer
	gzip   bool
	now    func() time.Time
	logger *slog.Logger
}

// NewAnalyticsClient creates an AnalyticsClient.
func NewAnalyticsClient(httpClient *http.Client, cfg AnalyticsClientConfig) *AnalyticsClient {
	return NewAnalyticsClientWithBase(
		NewBaseClient(httpClient, "analytics", DefaultHTTPPolicy(), userAgent),
		cfg,
	)
}

// NewAnalyticsClientWithBase creates an AnalyticsClient with a pre-configured BaseClient.
func NewAnalyticsClientWithBase(base *BaseClient, cfg AnalyticsClientConfig) *AnalyticsClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsClient{
		base:   base,
		url:    cfg.URL,
		signer: Signer{Secret: cfg.Secret},
		gzip:   cfg.Gzip,
		now:    time.Now,
		logger: logger,
	}
}

// Publish signs the JSON encoding of event and posts it. The signature
// covers the uncompressed body.
func (a *AnalyticsClient) Publish(ctx context.Context, event SubscriberEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal analytics event", err)
	}

	body := payload
	if a.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress analytics event", err)
		}
		if err := zw.Close(); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress analytics event", err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build analytics request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if a.signer.Secret != "" {
		sig, err := a.signer.Sign(payload, a.now())
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to sign analytics event", err)
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := a.base.Do(req)
	if err != nil {
		return vendorError(types.ErrCodeUpstreamAnalytics, "Publish", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp, types.ErrCodeUpstreamAnalytics, "Publish")
	}
	return nil
}

var _ AnalyticsSink = (*AnalyticsClient)(nil)
