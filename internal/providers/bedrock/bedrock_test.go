package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("AKIAEXAMPLE", "secretexample", "us-east-1", WithEndpointURL(srv.URL))
}

func baseRequest() *providers.ProxyRequest {
	return &providers.ProxyRequest{
		Model:     "anthropic.claude-3-sonnet-20240229-v1:0",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "req-mock-1",
	}
}

func TestProvider_Name(t *testing.T) {
	p := New("ak", "sk", "us-east-1")
	if p.Name() != "bedrock" {
		t.Fatalf("expected 'bedrock', got %q", p.Name())
	}
}

func TestProvider_Request_SignsEveryCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/converse") {
			t.Fatalf("expected /converse path, got %s", r.URL.Path)
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 ") {
			t.Fatalf("expected SigV4 Authorization header, got %q", auth)
		}
		if r.Header.Get("X-Amz-Date") == "" {
			t.Fatal("expected X-Amz-Date header to be set by the signer")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"message": map[string]any{
					"role": "assistant",
					"content": []any{
						map[string]any{"text": "hello from claude"},
					},
				},
			},
			"usage": map[string]any{
				"inputTokens":  4,
				"outputTokens": 3,
			},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from claude" {
		t.Errorf("expected content 'hello from claude', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_Request_SessionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Amz-Security-Token") != "session-token-value" {
			t.Fatalf("expected X-Amz-Security-Token header, got %q", r.Header.Get("X-Amz-Security-Token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"message": map[string]any{"role": "assistant", "content": []any{map[string]any{"text": "ok"}}}},
			"usage":  map[string]any{"inputTokens": 1, "outputTokens": 1},
		})
	}))
	defer srv.Close()

	p := New("AKIAEXAMPLE", "secretexample", "us-east-1", WithEndpointURL(srv.URL), WithSessionToken("session-token-value"))
	if _, err := p.Request(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Request_Streaming(t *testing.T) {
	events := []string{
		`{"contentBlockDelta":{"delta":{"text":"Hello"}}}`,
		`{"contentBlockDelta":{"delta":{"text":" world"}}}`,
		`{"messageStop":{"stopReason":"end_turn"}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/converse-stream") {
			t.Fatalf("expected /converse-stream path, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			w.Write([]byte("data: " + ev + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected non-nil Stream channel")
	}

	var content, finish string
	for chunk := range resp.Stream {
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if finish != "end_turn" {
		t.Errorf("expected finish reason 'end_turn', got %q", finish)
	}
}

func TestProvider_Request_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "Too many requests, please wait before trying again.",
			"__type":  "ThrottlingException",
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Request(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.StatusCode)
	}
	if provErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d, want 429", provErr.HTTPStatus())
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/foundation-models") {
			t.Fatalf("expected /foundation-models path, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
