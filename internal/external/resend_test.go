package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"provisioner/internal/retry"
	"provisioner/internal/types"
)

func TestResend_Send(t *testing.T) {
	var got resendPayload
	var idemKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer re_test" {
			t.Error("missing bearer auth")
		}
		idemKey = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"msg_123"}`))
	}))
	defer server.Close()

	c := NewResendClientWithBase(newTestBase(), ResendClientConfig{APIKey: "re_test", BaseURL: server.URL})
	id, err := c.Send(context.Background(), types.SendInput{
		To:          "ana@example.com",
		From:        types.Sender{Address: "hello@shop.test", Name: "Shop"},
		Subject:     "Welcome",
		BodyHTML:    "<p>hi</p>",
		BodyText:    "hi",
		ReferenceID: "evt_1:welcome_email",
		Tags:        map[string]string{"template": "welcome", "event": "evt_1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "msg_123" {
		t.Errorf("id = %q", id)
	}
	if got.From != "Shop <hello@shop.test>" || len(got.To) != 1 || got.To[0] != "ana@example.com" {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0].Name != "event" {
		t.Errorf("tags should be sorted, got %+v", got.Tags)
	}
	if idemKey != "evt_1:welcome_email" {
		t.Errorf("Idempotency-Key = %q", idemKey)
	}
}

func TestResend_SendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"invalid to"}`))
	}))
	defer server.Close()

	c := NewResendClientWithBase(newTestBase(), ResendClientConfig{APIKey: "re_test", BaseURL: server.URL})
	_, err := c.Send(context.Background(), types.SendInput{To: "x"})
	if !types.HasCode(err, types.ErrCodeUpstreamEmailProvider) {
		t.Errorf("expected email provider error, got %v", err)
	}
	if !retry.IsPermanent(err) {
		t.Error("422 should be permanent")
	}
}

func TestResend_SendWithoutKey(t *testing.T) {
	c := NewResendClientWithBase(newTestBase(), ResendClientConfig{})
	_, err := c.Send(context.Background(), types.SendInput{To: "x"})
	if !types.HasCode(err, types.ErrCodeConfigProviderKey) {
		t.Errorf("expected config error, got %v", err)
	}
}
