package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"provisioner/internal/types"
)

func TestCavos_CreateWallet(t *testing.T) {
	var got cavosCreateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cavos_key" {
			t.Error("missing bearer auth")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"wallet":{"address":"0xabc"}}`))
	}))
	defer server.Close()

	c := NewCavosClientWithBase(newTestBase(), CavosClientConfig{BaseURL: server.URL, APIKey: "cavos_key", Network: "sepolia"})
	addr, err := c.CreateWallet(context.Background(), "ana@example.com", "prefix-deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "0xabc" {
		t.Errorf("address = %q", addr)
	}
	if got.Email != "ana@example.com" || got.Password != "prefix-deadbeef" || got.Network != "sepolia" {
		t.Errorf("request = %+v", got)
	}
}

func TestCavos_CreateWalletNoAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewCavosClientWithBase(newTestBase(), CavosClientConfig{BaseURL: server.URL})
	_, err := c.CreateWallet(context.Background(), "ana@example.com", "s")
	if !types.HasCode(err, types.ErrCodeUpstreamWallet) {
		t.Errorf("expected wallet error, got %v", err)
	}
}

func TestCavos_CreateWalletServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewCavosClientWithBase(newTestBase(), CavosClientConfig{BaseURL: server.URL})
	_, err := c.CreateWallet(context.Background(), "ana@example.com", "s")
	if !types.HasCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Errorf("expected upstream_unavailable, got %v", err)
	}
}
