package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"provisioner/internal/types"
)

// resendAPIBase is the default Resend API base URL.
const resendAPIBase = "https://api.resend.com"

// ResendClientConfig holds the configuration for creating a ResendClient.
type ResendClientConfig struct {
	APIKey  string
	BaseURL string // defaults to resendAPIBase
	Logger  *slog.Logger
}

// ResendClient implements EmailProvider with the Resend /emails endpoint.
type ResendClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewResendClient creates a ResendClient.
func NewResendClient(httpClient *http.Client, cfg ResendClientConfig) *ResendClient {
	return NewResendClientWithBase(
		NewBaseClient(httpClient, "resend", DefaultHTTPPolicy(), userAgent),
		cfg,
	)
}

// NewResendClientWithBase creates a ResendClient with a pre-configured BaseClient.
func NewResendClientWithBase(base *BaseClient, cfg ResendClientConfig) *ResendClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = resendAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ResendClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendPayload struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Tags    []resendTag       `json:"tags,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Send posts input to Resend and returns the message ID. ReferenceID is sent
// as the Idempotency-Key so a retried send is delivered once.
func (r *ResendClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	if r.apiKey == "" {
		return "", types.NewAppError(types.ErrCodeConfigProviderKey, "resend api key not configured", nil)
	}

	payload := resendPayload{
		From:    formatAddress(input.From),
		To:      []string{input.To},
		Subject: input.Subject,
		HTML:    input.BodyHTML,
		Text:    input.BodyText,
	}
	keys := make([]string, 0, len(input.Tags))
	for k := range input.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload.Tags = append(payload.Tags, resendTag{Name: k, Value: input.Tags[k]})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal resend payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build resend request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if input.ReferenceID != "" {
		req.Header.Set("Idempotency-Key", input.ReferenceID)
	}

	resp, err := r.base.Do(req)
	if err != nil {
		return "", vendorError(types.ErrCodeUpstreamEmailProvider, "Send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", readError(resp, types.ErrCodeUpstreamEmailProvider, "Send")
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "Send: invalid response body", err)
	}
	return out.ID, nil
}

func formatAddress(s types.Sender) string {
	if s.Name == "" {
		return s.Address
	}
	return fmt.Sprintf("%s <%s>", s.Name, s.Address)
}

var _ EmailProvider = (*ResendClient)(nil)
