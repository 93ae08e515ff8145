package external

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"provisioner/internal/types"
)

// CavosClientConfig holds the configuration for creating a CavosClient.
type CavosClientConfig struct {
	BaseURL string
	APIKey  string
	Network string
	Logger  *slog.Logger
}

// CavosClient implements WalletProvider with the Cavos wallet API.
type CavosClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	network string
	logger  *slog.Logger
}

// NewCavosClient creates a CavosClient.
func NewCavosClient(httpClient *http.Client, cfg CavosClientConfig) *CavosClient {
	return NewCavosClientWithBase(
		NewBaseClient(httpClient, "cavos", DefaultHTTPPolicy(), userAgent),
		cfg,
	)
}

// NewCavosClientWithBase creates a CavosClient with a pre-configured BaseClient.
func NewCavosClientWithBase(base *BaseClient, cfg CavosClientConfig) *CavosClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CavosClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		network: cfg.Network,
		logger:  logger,
	}
}

type cavosCreateRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Network  string `json:"network,omitempty"`
}

type cavosCreateResponse struct {
	Address string `json:"address"`
	Wallet  struct {
		Address string `json:"address"`
	} `json:"wallet"`
}

// CreateWallet registers a wallet for email protected by secret. The
// provider returns the existing wallet for a repeated email and secret.
func (c *CavosClient) CreateWallet(ctx context.Context, email string, secret string) (string, error) {
	body, err := json.Marshal(cavosCreateRequest{Email: email, Password: secret, Network: c.network})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal wallet request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/external/auth/register", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build wallet request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return "", vendorError(types.ErrCodeUpstreamWallet, "CreateWallet", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", readError(resp, types.ErrCodeUpstreamWallet, "CreateWallet")
	}

	var out cavosCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamWallet, "CreateWallet: invalid response body", err)
	}
	addr := out.Address
	if addr == "" {
		addr = out.Wallet.Address
	}
	if addr == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamWallet, "CreateWallet: response has no address", nil)
	}
	return addr, nil
}

var _ WalletProvider = (*CavosClient)(nil)
