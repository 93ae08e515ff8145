package core

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

func TestLambdaHandler_RoundTrip(t *testing.T) {
	var gotBody, gotQuery, gotSig, gotRemote, gotReqID string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotQuery = r.URL.Query().Get("limit")
		gotSig = r.Header.Get("Stripe-Signature")
		gotRemote = r.RemoteAddr
		gotReqID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "a=1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"received":true}`))
	})

	ev := events.APIGatewayV2HTTPRequest{
		RawPath:         "/webhooks/stripe",
		RawQueryString:  "limit=5",
		Headers:         map[string]string{"stripe-signature": "t=1,v1=abc"},
		Body:            base64.StdEncoding.EncodeToString([]byte(`{"id":"evt_1"}`)),
		IsBase64Encoded: true,
	}
	ev.RequestContext.HTTP.Method = http.MethodPost
	ev.RequestContext.HTTP.SourceIP = "203.0.113.5"
	ev.RequestContext.RequestID = "apigw-req-1"

	resp, err := LambdaHandler(h)(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotBody != `{"id":"evt_1"}` || gotQuery != "5" || gotSig != "t=1,v1=abc" {
		t.Errorf("request = body %q query %q sig %q", gotBody, gotQuery, gotSig)
	}
	if gotRemote != "203.0.113.5" || gotReqID != "apigw-req-1" {
		t.Errorf("remote %q request id %q", gotRemote, gotReqID)
	}
	if resp.StatusCode != http.StatusAccepted || resp.Body != `{"received":true}` || resp.IsBase64Encoded {
		t.Errorf("response = %+v", resp)
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", resp.Headers)
	}
	if len(resp.Cookies) != 1 || resp.Cookies[0] != "a=1" {
		t.Errorf("cookies = %v", resp.Cookies)
	}
}

func TestLambdaHandler_BinaryResponseAndDefaultStatus(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xff, 0xfe})
	})
	ev := events.APIGatewayV2HTTPRequest{}
	ev.RequestContext.HTTP.Method = http.MethodGet

	resp, err := LambdaHandler(h)(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !resp.IsBase64Encoded {
		t.Errorf("response = %+v", resp)
	}
}

func TestLambdaHandler_BadBase64(t *testing.T) {
	ev := events.APIGatewayV2HTTPRequest{Body: "%%%", IsBase64Encoded: true}
	ev.RequestContext.HTTP.Method = http.MethodPost
	if _, err := LambdaHandler(http.NotFoundHandler())(context.Background(), ev); err == nil {
		t.Error("expected decode error")
	}
}
