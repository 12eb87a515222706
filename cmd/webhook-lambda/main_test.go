package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

func request(method, path string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath: path,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method: method,
				Path:   path,
			},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}

	resp, err := handle(context.Background(), cfg, &http.Client{Timeout: time.Second}, request(http.MethodGet, "/health"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", resp.StatusCode, resp.Body)
	}
}

func TestHandleRejects(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}
	client := &http.Client{Timeout: time.Second}

	badBody := request(http.MethodPost, "/webhooks/payments")
	badBody.Body = "not-base64"
	badBody.IsBase64Encoded = true

	tests := []struct {
		name string
		evt  events.APIGatewayV2HTTPRequest
		want int
	}{
		{name: "non post", evt: request(http.MethodGet, "/webhooks/payments"), want: http.StatusMethodNotAllowed},
		{name: "unknown path", evt: request(http.MethodPost, "/webhooks/unknown"), want: http.StatusNotFound},
		{name: "invalid base64", evt: badBody, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := handle(context.Background(), cfg, client, tt.evt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestHandleForwardsPaymentWebhook(t *testing.T) {
	type captured struct {
		path    string
		headers http.Header
		body    string
	}
	reqCh := make(chan captured, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqCh <- captured{path: r.URL.Path, headers: r.Header.Clone(), body: string(body)}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer upstream.Close()

	client := upstream.Client()
	client.Timeout = time.Second
	cfg := config{upstreamBaseURL: upstream.URL, upstreamTimeout: time.Second}

	payload := `{"event":"charge.success","data":{"reference":"ref-1"}}`
	evt := request(http.MethodPost, "/webhooks/payments")
	evt.Body = base64.StdEncoding.EncodeToString([]byte(payload))
	evt.IsBase64Encoded = true
	evt.Headers = map[string]string{
		"content-type":         "application/json",
		"x-provider-signature": "abc123",
		"x-cal-signature-256":  "not-forwarded",
	}
	evt.RequestContext.HTTP.SourceIP = "52.31.139.75"

	resp, err := handle(context.Background(), cfg, client, evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Fatalf("expected content-type to be forwarded, got %q", resp.Headers["content-type"])
	}

	select {
	case got := <-reqCh:
		if got.path != "/webhooks/payments" {
			t.Fatalf("expected /webhooks/payments, got %s", got.path)
		}
		if got.body != payload {
			t.Fatalf("expected body to be forwarded verbatim, got %q", got.body)
		}
		if got.headers.Get("X-Provider-Signature") != "abc123" {
			t.Fatalf("expected provider signature to be forwarded, got %q", got.headers.Get("X-Provider-Signature"))
		}
		if got.headers.Get("X-Cal-Signature-256") != "" {
			t.Fatalf("expected scheduling signature to be dropped on payment route")
		}
		if got.headers.Get("X-Forwarded-For") != "52.31.139.75" {
			t.Fatalf("expected source ip, got %q", got.headers.Get("X-Forwarded-For"))
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for upstream request")
	}
}

func TestHandleUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	cfg := config{upstreamBaseURL: url, upstreamTimeout: time.Second}
	resp, err := handle(context.Background(), cfg, &http.Client{Timeout: time.Second}, request(http.MethodPost, "/webhooks/scheduling"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "")
	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected error without base url")
	}

	t.Setenv("UPSTREAM_BASE_URL", "https://api.example.com/")
	t.Setenv("UPSTREAM_TIMEOUT", "2s")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.upstreamBaseURL != "https://api.example.com" || cfg.upstreamTimeout != 2*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
