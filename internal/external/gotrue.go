package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// GoTrueClientConfig holds the configuration for creating a GoTrueClient.
type GoTrueClientConfig struct {
	// BaseURL is the Supabase project URL; the client appends /auth/v1.
	BaseURL        string
	ServiceRoleKey string
	// RedirectTo is where generated access links land.
	RedirectTo string
	Logger     *slog.Logger
}

// GoTrueClient implements IdentityProvider against the Supabase GoTrue admin
// API using the service-role key.
type GoTrueClient struct {
	base       *BaseClient
	baseURL    string
	key        string
	redirectTo string
	logger     *slog.Logger
}

// NewGoTrueClient creates a GoTrueClient.
func NewGoTrueClient(httpClient *http.Client, cfg GoTrueClientConfig) *GoTrueClient {
	return NewGoTrueClientWithBase(
		NewBaseClient(httpClient, "gotrue", DefaultHTTPPolicy(), userAgent),
		cfg,
	)
}

// NewGoTrueClientWithBase creates a GoTrueClient with a pre-configured BaseClient.
func NewGoTrueClientWithBase(base *BaseClient, cfg GoTrueClientConfig) *GoTrueClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GoTrueClient{
		base:       base,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/") + "/auth/v1",
		key:        cfg.ServiceRoleKey,
		redirectTo: cfg.RedirectTo,
		logger:     logger,
	}
}

type gotrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type gotrueError struct {
	Code      any    `json:"code"`
	ErrorCode string `json:"error_code"`
	Msg       string `json:"msg"`
	Message   string `json:"message"`
}

// isEmailExists recognizes both the current error_code field and the older
// message-only responses.
func (e gotrueError) isEmailExists() bool {
	if e.ErrorCode == "email_exists" || e.Code == "email_exists" {
		return true
	}
	msg := strings.ToLower(e.Msg + " " + e.Message)
	return strings.Contains(msg, "already been registered") || strings.Contains(msg, "already registered")
}

// CreateIdentity creates a confirmed user. An already registered email
// returns ErrIdentityExists.
func (c *GoTrueClient) CreateIdentity(ctx context.Context, email string, metadata map[string]any) (*types.Identity, error) {
	body := map[string]any{
		"email":         email,
		"email_confirm": true,
	}
	if len(metadata) > 0 {
		body["user_metadata"] = metadata
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/admin/users", body)
	if err != nil {
		return nil, vendorError(types.ErrCodeUpstreamIdentity, "CreateIdentity", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var u gotrueUser
		if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamIdentity, "CreateIdentity: invalid response body", err)
		}
		return &types.Identity{ID: u.ID, Email: u.Email}, nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ge gotrueError
		if json.Unmarshal(raw, &ge) == nil && ge.isEmailExists() {
			return nil, ErrIdentityExists
		}
		return nil, retry.Permanent(types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamIdentity,
			fmt.Sprintf("CreateIdentity: status %d", resp.StatusCode),
			nil,
			map[string]any{"body": string(raw)},
		))
	default:
		return nil, readError(resp, types.ErrCodeUpstreamIdentity, "CreateIdentity")
	}
}

// FindIdentityByEmail searches the admin user list. The filter is a
// substring match on the server, so the result is narrowed to an exact,
// case-insensitive match here.
func (c *GoTrueClient) FindIdentityByEmail(ctx context.Context, email string) (*types.Identity, error) {
	q := url.Values{}
	q.Set("filter", email)
	q.Set("per_page", "50")

	resp, err := c.doJSON(ctx, http.MethodGet, "/admin/users?"+q.Encode(), nil)
	if err != nil {
		return nil, vendorError(types.ErrCodeUpstreamIdentity, "FindIdentityByEmail", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp, types.ErrCodeUpstreamIdentity, "FindIdentityByEmail")
	}

	var list struct {
		Users []gotrueUser `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamIdentity, "FindIdentityByEmail: invalid response body", err)
	}
	for _, u := range list.Users {
		if strings.EqualFold(strings.TrimSpace(u.Email), strings.TrimSpace(email)) {
			return &types.Identity{ID: u.ID, Email: u.Email}, nil
		}
	}
	return nil, ErrIdentityNotFound
}

// GenerateAccessLink creates a magic link for email.
func (c *GoTrueClient) GenerateAccessLink(ctx context.Context, email string) (string, error) {
	body := map[string]any{
		"type":  "magiclink",
		"email": email,
	}
	if c.redirectTo != "" {
		body["redirect_to"] = c.redirectTo
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/admin/generate_link", body)
	if err != nil {
		return "", vendorError(types.ErrCodeUpstreamIdentity, "GenerateAccessLink", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readError(resp, types.ErrCodeUpstreamIdentity, "GenerateAccessLink")
	}

	var out struct {
		ActionLink string `json:"action_link"`
		Properties struct {
			ActionLink string `json:"action_link"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamIdentity, "GenerateAccessLink: invalid response body", err)
	}
	link := out.ActionLink
	if link == "" {
		link = out.Properties.ActionLink
	}
	if link == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamIdentity, "GenerateAccessLink: response has no action_link", nil)
	}
	return link, nil
}

func (c *GoTrueClient) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal gotrue request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build gotrue request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)

	return c.base.Do(req)
}

var _ IdentityProvider = (*GoTrueClient)(nil)
