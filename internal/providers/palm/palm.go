// Package palm implements the providers.Provider interface for Google's
// legacy PaLM2 (bison family) text generation API. The endpoint predates
// the Gemini-only google.golang.org/genai SDK surface, so requests are
// built and sent directly over net/http rather than through an SDK client.
//
// google.golang.org/genai is still imported here, but only for
// HealthCheck: it pings the modern Models.List endpoint as a connectivity
// probe for the key, since the legacy API has no equivalent lightweight
// "are you alive" call.
package palm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta2"
	providerName   = "google-palm"
)

// Provider implements providers.Provider for Google PaLM.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new PaLM Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

// HealthCheck pings the modern Gemini Models.List endpoint as a
// connectivity/auth probe for the key — the legacy generateText API has
// no lightweight equivalent.
func (p *Provider) HealthCheck(ctx context.Context) error {
	key := p.apiKey
	if key == "" {
		return fmt.Errorf("palm: no API key configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.client,
	})
	if err != nil {
		return fmt.Errorf("palm: health check: build client: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("palm: health check: %w", err)
	}
	return nil
}

// generateTextRequest is the body of POST /v1beta2/models/{model}:generateText.
type generateTextRequest struct {
	Prompt          generateTextPrompt `json:"prompt"`
	Temperature     *float64           `json:"temperature,omitempty"`
	MaxOutputTokens int                `json:"maxOutputTokens,omitempty"`
}

type generateTextPrompt struct {
	Text string `json:"text"`
}

type generateTextResponse struct {
	Candidates []struct {
		Output string `json:"output"`
	} `json:"candidates"`
	Filters []struct {
		Reason string `json:"reason"`
	} `json:"filters"`
}

// Request calls the legacy generateText endpoint, which has no streaming
// variant — req.Stream is never set for a Provider reachable from the
// google-palm Gateway, since that route rejects stream:true at admission.
func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("palm: no API key configured")
	}

	body := generateTextRequest{
		Prompt: generateTextPrompt{Text: flattenMessages(req.Messages)},
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.MaxTokens > 0 {
		body.MaxOutputTokens = req.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("palm: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateText?key=%s", p.baseURL, req.Model, key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("palm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("palm: do request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("palm: read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseError(httpResp.StatusCode, respBody, httpResp.Header)
	}

	var gr generateTextResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("palm: decode response: %w", err)
	}

	text := ""
	if len(gr.Candidates) > 0 {
		text = gr.Candidates[0].Output
	} else if len(gr.Filters) > 0 {
		return nil, &ProviderError{
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("blocked by safety filter: %s", gr.Filters[0].Reason),
			Type:       "blocked",
		}
	}

	// The legacy generateText API reports no usage counts and no response
	// ID; the gateway's own id/tokenizer layer fills both in downstream.
	return &providers.ProxyResponse{
		Model:   req.Model,
		Content: text,
	}, nil
}

func flattenMessages(msgs []providers.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		if m.Role != "" && m.Role != "user" {
			sb.WriteString(strings.ToUpper(m.Role))
			sb.WriteString(": ")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// ProviderError is a structured error returned by the PaLM generateText API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("palm: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// RetryAfterDuration implements providers.RetryAfterCoder.
func (e *ProviderError) RetryAfterDuration() time.Duration { return e.RetryAfter }

func parseError(status int, body []byte, header http.Header) error {
	retryAfter := providers.ParseRetryAfter(header.Get("Retry-After"))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return &ProviderError{
			StatusCode: status,
			Message:    strings.TrimSpace(string(body)),
			Type:       "palm_error",
			RetryAfter: retryAfter,
		}
	}
	return &ProviderError{
		StatusCode: status,
		Message:    envelope.Error.Message,
		Type:       envelope.Error.Status,
		RetryAfter: retryAfter,
	}
}
