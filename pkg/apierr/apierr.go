// Package apierr provides the structured, client-facing error envelope and
// its HTTP status mapping.
//
// The envelope is flat — {type, message, stack?, proxy_note?} — rather than
// OpenAI's nested {error:{...}}: every client-facing route in this proxy is
// OpenAI-compatible for success responses, but error responses follow the
// gateway's own taxonomy (admission, rewriting, upstream, stall), so the
// shape is the gateway's, not a mirror of any one upstream's.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Type constants — one per entry in the error taxonomy.
const (
	TypeProxyError        = "proxy_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Envelope is the JSON body of every non-streaming error response.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	// Stack is optional and omitted when empty; no code path in the gateway
	// sets it, the recovery middleware included.
	Stack string `json:"stack,omitempty"`

	// ProxyNote carries the same prompt-logging disclosure the Normalizer
	// attaches to success responses, so a rejected request still tells the
	// client whether its content was logged.
	ProxyNote string `json:"proxy_note,omitempty"`
}

// Write writes a bare {type, message} envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	WriteEnvelope(ctx, status, Envelope{Type: errType, Message: message})
}

// WriteEnvelope writes env verbatim with the given HTTP status.
func WriteEnvelope(ctx *fasthttp.RequestCtx, status int, env Envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After header. seconds <= 0 falls
// back to 60.
func WriteRateLimit(ctx *fasthttp.RequestCtx, seconds int) {
	if seconds <= 0 {
		seconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(seconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError)
}

// WriteProviderError maps an upstream HTTP status to the gateway's
// client-facing status and writes the corresponding envelope.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Provider 4xx  → forwarded verbatim (terminal, non-retryable)
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		WriteRateLimit(ctx, 60)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError)
	}
}
