package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"provisioner/internal/retry"
)

func newTestGoTrue(serverURL string) *GoTrueClient {
	return NewGoTrueClientWithBase(newTestBase(), GoTrueClientConfig{
		BaseURL:        serverURL,
		ServiceRoleKey: "service-role",
		RedirectTo:     "https://shop.test/welcome",
	})
}

func TestGoTrue_CreateIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/v1/admin/users" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apikey") != "service-role" || r.Header.Get("Authorization") != "Bearer service-role" {
			t.Error("missing service role headers")
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ana@example.com" || body["email_confirm"] != true {
			t.Errorf("body = %v", body)
		}
		meta, _ := body["user_metadata"].(map[string]any)
		if meta["stripe_customer_id"] != "cus_1" {
			t.Errorf("user_metadata = %v", body["user_metadata"])
		}
		w.Write([]byte(`{"id":"user-1","email":"ana@example.com"}`))
	}))
	defer server.Close()

	id, err := newTestGoTrue(server.URL).CreateIdentity(context.Background(), "ana@example.com", map[string]any{"stripe_customer_id": "cus_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ID != "user-1" {
		t.Errorf("ID = %q, want user-1", id.ID)
	}
}

func TestGoTrue_CreateIdentityExists(t *testing.T) {
	for _, body := range []string{
		`{"code":422,"error_code":"email_exists","msg":"A user with this email address has already been registered"}`,
		`{"code":"email_exists","message":"exists"}`,
		`{"msg":"A user with this email address has already been registered"}`,
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(body))
		}))

		_, err := newTestGoTrue(server.URL).CreateIdentity(context.Background(), "ana@example.com", nil)
		if !errors.Is(err, ErrIdentityExists) {
			t.Errorf("body %s: expected ErrIdentityExists, got %v", body, err)
		}
		server.Close()
	}
}

func TestGoTrue_CreateIdentityOther422IsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error_code":"validation_failed","msg":"invalid email"}`))
	}))
	defer server.Close()

	_, err := newTestGoTrue(server.URL).CreateIdentity(context.Background(), "nope", nil)
	if errors.Is(err, ErrIdentityExists) {
		t.Fatal("validation failure must not look like an existing identity")
	}
	if !retry.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestGoTrue_FindIdentityByEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") != "Ana@Example.com" {
			t.Errorf("filter = %q", r.URL.Query().Get("filter"))
		}
		w.Write([]byte(`{"users":[{"id":"user-2","email":"banana@example.com"},{"id":"user-1","email":"ana@example.com"}]}`))
	}))
	defer server.Close()

	id, err := newTestGoTrue(server.URL).FindIdentityByEmail(context.Background(), "Ana@Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ID != "user-1" {
		t.Errorf("ID = %q, want exact match user-1", id.ID)
	}
}

func TestGoTrue_FindIdentityByEmailNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"users":[{"id":"user-2","email":"banana@example.com"}]}`))
	}))
	defer server.Close()

	_, err := newTestGoTrue(server.URL).FindIdentityByEmail(context.Background(), "ana@example.com")
	if !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestGoTrue_GenerateAccessLink(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"top level", `{"action_link":"https://auth.test/verify?token=abc"}`},
		{"properties", `{"properties":{"action_link":"https://auth.test/verify?token=abc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				json.NewDecoder(r.Body).Decode(&body)
				if body["type"] != "magiclink" || body["redirect_to"] != "https://shop.test/welcome" {
					t.Errorf("body = %v", body)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			link, err := newTestGoTrue(server.URL).GenerateAccessLink(context.Background(), "ana@example.com")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if link != "https://auth.test/verify?token=abc" {
				t.Errorf("link = %q", link)
			}
		})
	}
}
