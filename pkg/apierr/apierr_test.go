package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestWriteSetsStatusAndEnvelope(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, fasthttp.StatusBadRequest, "bad input", TypeInvalidRequest)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", ctx.Response.StatusCode())
	}

	var env Envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.Type != TypeInvalidRequest || env.Message != "bad input" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestWriteRateLimitDefaultsRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 0)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Fatalf("expected default Retry-After 60, got %q", got)
	}
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", ctx.Response.StatusCode())
	}
}

func TestWriteRateLimitHonorsExplicitSeconds(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 30)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
}

func TestWriteProviderErrorMapsStatusRanges(t *testing.T) {
	cases := []struct {
		name           string
		providerStatus int
		wantStatus     int
	}{
		{"rate limit forwards as 429 with retry-after", fasthttp.StatusTooManyRequests, fasthttp.StatusTooManyRequests},
		{"5xx collapses to 502", fasthttp.StatusServiceUnavailable, fasthttp.StatusBadGateway},
		{"4xx forwards verbatim", fasthttp.StatusBadRequest, fasthttp.StatusBadRequest},
		{"unrecognized status falls back to 502", 0, fasthttp.StatusBadGateway},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var ctx fasthttp.RequestCtx
			WriteProviderError(&ctx, c.providerStatus, "upstream said so")
			if ctx.Response.StatusCode() != c.wantStatus {
				t.Fatalf("expected status %d, got %d", c.wantStatus, ctx.Response.StatusCode())
			}
		})
	}
}

func TestWriteTimeoutIs504(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteTimeout(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", ctx.Response.StatusCode())
	}
}
