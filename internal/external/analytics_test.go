package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"provisioner/internal/types"

	"github.com/klauspost/compress/gzip"
)

func testSubscriberEvent() SubscriberEvent {
	return SubscriberEvent{
		EventID:         "evt_1",
		EventName:       "subscription.started",
		UserID:          "user-1",
		Email:           "Ana@Example.com ",
		CustomerID:      "cus_1",
		SubscriptionID:  "sub_1",
		IsNewSubscriber: true,
	}
}

func TestAnalytics_PublishSigned(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var raw []byte
	var sig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewAnalyticsClientWithBase(newTestBase(), AnalyticsClientConfig{URL: server.URL, Secret: "an_secret"})
	c.now = func() time.Time { return now }

	if err := c.Publish(context.Background(), testSubscriberEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyHeader(raw, sig, []string{"an_secret"}, time.Minute, now); err != nil {
		t.Errorf("receiver could not verify signature: %v", err)
	}
}

func TestAnalytics_PublishGzip(t *testing.T) {
	var decoded SubscriberEvent
	var encoding string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body is not gzip: %v", err)
			return
		}
		json.NewDecoder(zr).Decode(&decoded)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewAnalyticsClientWithBase(newTestBase(), AnalyticsClientConfig{URL: server.URL, Gzip: true})
	if err := c.Publish(context.Background(), testSubscriberEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if encoding != "gzip" {
		t.Errorf("Content-Encoding = %q", encoding)
	}
	if decoded.SubscriptionID != "sub_1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestAnalytics_PublishRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewAnalyticsClientWithBase(newTestBase(), AnalyticsClientConfig{URL: server.URL})
	err := c.Publish(context.Background(), testSubscriberEvent())
	if !types.HasCode(err, types.ErrCodeUpstreamAnalytics) {
		t.Errorf("expected analytics error, got %v", err)
	}
}

func TestConversions_TrackSubscriptionHashesEmail(t *testing.T) {
	var body struct {
		Data []conversionEvent `json:"data"`
	}
	var token, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		token = r.URL.Query().Get("access_token")
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"events_received":1}`))
	}))
	defer server.Close()

	c := NewConversionsClientWithBase(newTestBase(), ConversionsClientConfig{BaseURL: server.URL, PixelID: "px_1", AccessToken: "tok"})
	if err := c.TrackSubscription(context.Background(), testSubscriberEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if path != "/px_1/events" || token != "tok" {
		t.Errorf("path = %q token = %q", path, token)
	}
	if len(body.Data) != 1 {
		t.Fatalf("data = %+v", body.Data)
	}
	ev := body.Data[0]
	if ev.EventID != "evt_1" || ev.EventName != "Subscribe" {
		t.Errorf("event = %+v", ev)
	}
	if ev.UserData.Email[0] != HashIdentifier("ana@example.com") {
		t.Errorf("email hash should be normalized, got %q", ev.UserData.Email[0])
	}
}

func TestHashIdentifier(t *testing.T) {
	if HashIdentifier("  ANA@example.com") != HashIdentifier("ana@example.com") {
		t.Error("hash must ignore case and surrounding space")
	}
	if len(HashIdentifier("x")) != 64 {
		t.Error("hash must be 64 hex chars")
	}
}
