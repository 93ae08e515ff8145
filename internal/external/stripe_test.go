package external

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"provisioner/internal/retry"
	"provisioner/internal/types"

	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedHeader(payload []byte, secret string, at time.Time) string {
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return sp.Header
}

func TestStripeVerifier_ValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	header := signedHeader(payload, testWebhookSecret, time.Now())

	if err := (&StripeVerifier{}).Verify(payload, header, testWebhookSecret); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestStripeVerifier_TamperedByteRejected(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	header := signedHeader(payload, testWebhookSecret, time.Now())

	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		err := (&StripeVerifier{}).Verify(tampered, header, testWebhookSecret)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("byte %d flipped: expected ErrSignatureInvalid, got %v", i, err)
		}
	}
}

func TestStripeVerifier_WrongSecretRejected(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := signedHeader(payload, "whsec_other", time.Now())

	err := (&StripeVerifier{}).Verify(payload, header, testWebhookSecret)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestStripeVerifier_MissingHeader(t *testing.T) {
	err := (&StripeVerifier{}).Verify([]byte(`{}`), "  ", testWebhookSecret)
	if !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("expected ErrSignatureMissing, got %v", err)
	}
}

func TestStripeVerifier_SecretNotConfigured(t *testing.T) {
	payload := []byte(`{}`)
	header := signedHeader(payload, testWebhookSecret, time.Now())

	err := (&StripeVerifier{}).Verify(payload, header, "")
	if !errors.Is(err, ErrWebhookSecretNotConfigured) {
		t.Fatalf("expected ErrWebhookSecretNotConfigured, got %v", err)
	}
}

func TestStripeVerifier_MalformedHeaders(t *testing.T) {
	payload := []byte(`{}`)
	for _, header := range []string{
		"garbage",
		"t=notanumber,v1=abc",
		"v1=abcdef",
		"t=1700000000",
		",,,,",
		"t=1700000000,v1=zz",
	} {
		err := (&StripeVerifier{}).Verify(payload, header, testWebhookSecret)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("header %q: expected ErrSignatureInvalid, got %v", header, err)
		}
	}
}

func TestStripeVerifier_ToleranceEnforced(t *testing.T) {
	payload := []byte(`{"id":"evt_old"}`)
	old := time.Now().Add(-10 * time.Minute)
	sig := webhook.ComputeSignature(old, payload, testWebhookSecret)
	header := fmt.Sprintf("t=%d,v1=%s", old.Unix(), hex.EncodeToString(sig))

	if err := (&StripeVerifier{}).Verify(payload, header, testWebhookSecret); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("default tolerance: expected ErrSignatureInvalid, got %v", err)
	}
	if err := (&StripeVerifier{Tolerance: time.Hour}).Verify(payload, header, testWebhookSecret); err != nil {
		t.Errorf("1h tolerance: expected valid, got %v", err)
	}
}

func newTestStripeClient(serverURL, key string) *StripeClient {
	return NewStripeClientWithBase(newTestBase(), StripeClientConfig{SecretKey: key, BaseURL: serverURL})
}

func TestStripeClient_GetCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers/cus_1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test_1" {
			t.Errorf("missing bearer auth")
		}
		if r.Header.Get("Stripe-Version") == "" {
			t.Errorf("missing Stripe-Version")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cus_1","email":"ana@example.com","name":"Ana","phone":"+15550001"}`))
	}))
	defer server.Close()

	c, err := newTestStripeClient(server.URL, "sk_test_1").GetCustomer(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Email != "ana@example.com" || c.Name != "Ana" || c.StripeCustomerID != "cus_1" {
		t.Errorf("customer = %+v", c)
	}
}

func TestStripeClient_GetCustomerNotFoundIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"No such customer"}}`))
	}))
	defer server.Close()

	_, err := newTestStripeClient(server.URL, "sk_test_1").GetCustomer(context.Background(), "cus_missing")
	if !retry.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if !types.HasCode(err, types.ErrCodeNotFoundCustomer) {
		t.Errorf("expected not_found_customer, got %v", err)
	}
}

func TestStripeClient_GetCustomerDeleted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cus_1","deleted":true}`))
	}))
	defer server.Close()

	_, err := newTestStripeClient(server.URL, "sk_test_1").GetCustomer(context.Background(), "cus_1")
	if !types.HasCode(err, types.ErrCodeNotFoundCustomer) {
		t.Errorf("expected not_found_customer, got %v", err)
	}
}

func TestStripeClient_GetCustomerWithoutKey(t *testing.T) {
	_, err := newTestStripeClient("http://unused.invalid", "").GetCustomer(context.Background(), "cus_1")
	if !types.HasCode(err, types.ErrCodeConfigProviderKey) {
		t.Errorf("expected config error, got %v", err)
	}
	if !retry.IsPermanent(err) {
		t.Error("missing configuration must not be retried")
	}
}
