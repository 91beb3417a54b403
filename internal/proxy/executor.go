package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/normalize"
	"github.com/nulpointcorp/llm-gateway/internal/preprocess"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
	"github.com/nulpointcorp/llm-gateway/internal/waitestimate"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// executor carries one admitted ticket through wait, preprocessing,
// upstream execution, retry-by-reenqueue and response delivery.
type executor struct {
	gw     *Gateway
	t      *ticket.Ticket
	origin string

	// sw is the ticket's SSE writer, already open and registered with the
	// Gateway's StreamRegistry by the time run is called, for streaming
	// tickets only (nil otherwise). Every SSE write — success or error —
	// goes through it rather than calling ctx.SetBodyStreamWriter again,
	// which fasthttp only permits once per request.
	sw *sseWriter
}

// run blocks until the ticket reaches a terminal outcome and the client
// response has been written.
func (e *executor) run(ctx *fasthttp.RequestCtx) {
	if e.gw.met != nil {
		start := time.Now()
		e.gw.met.IncInFlight()
		defer func() {
			e.gw.met.DecInFlight()
			status := ctx.Response.StatusCode()
			dur := time.Since(start)
			respBytes := len(ctx.Response.Body())
			if e.t.Stream {
				// The body was written directly to the SSE stream, not
				// buffered into ctx.Response — size isn't known here.
				respBytes = -1
			}
			e.gw.met.ObserveHTTP(e.gw.providerName, status, dur, len(ctx.Request.Body()), respBytes)
			e.gw.met.RecordRequest(e.gw.providerName, status, dur.Milliseconds())
		}()
	}
	for {
		lease, ok := e.waitForLease(ctx)
		if !ok {
			// Channel closed without a lease: client abort or stall sweep.
			// Both already removed the ticket from the queue; nothing left
			// to write if the connection is gone, but a stall sweep on a
			// still-open connection needs a terminal response.
			select {
			case <-e.t.Aborted():
				return
			default:
				e.writeStallTimeout(ctx)
				return
			}
		}

		dequeuedAt, _ := e.t.QueueOutTime()
		if e.gw.met != nil {
			e.gw.met.ObserveQueueWait(string(e.t.Partition), dequeuedAt.Sub(e.t.StartTime))
		}

		terminal := e.attempt(ctx, lease, dequeuedAt)
		if terminal {
			e.gw.q.Done(e.t)
			return
		}
		// Retry by reenqueue: same ticket, fresh resume channel, goes
		// through the queue/dispatcher cycle again to pick up a new key.
		e.t.IncrementRetry()
		e.t.PrepareRetry()
		if e.t.RetryCount() > e.gw.maxRetries {
			e.gw.q.Done(e.t)
			apierr.Write(ctx, fasthttp.StatusBadGateway, "exhausted retries against upstream provider", apierr.TypeProviderError)
			return
		}
		if err := e.gw.q.Enqueue(ctx, e.t); err != nil {
			e.gw.q.Done(e.t)
			apierr.Write(ctx, fasthttp.StatusTooManyRequests, err.Error(), apierr.TypeRateLimitError)
			return
		}
	}
}

// waitForLease blocks until the Dispatcher resumes the ticket with a lease,
// the client disconnects, or the ticket is aborted by the stall sweep.
func (e *executor) waitForLease(ctx *fasthttp.RequestCtx) (ticket.Lease, bool) {
	select {
	case lease, ok := <-e.t.Resume:
		return lease, ok
	case <-ctx.Done():
		return ticket.Lease{}, false
	}
}

// attempt runs one upstream call against the leased key and returns true
// when the ticket has reached a terminal outcome (success or non-retryable
// failure), false when the caller should retry with a fresh lease.
// dequeuedAt is this attempt's dequeue timestamp, used only to record the
// wait-time sample on the success path below.
func (e *executor) attempt(ctx *fasthttp.RequestCtx, lease ticket.Lease, dequeuedAt time.Time) (terminal bool) {
	key := lease.Key

	req, err := preprocess.Run(e.gw.preCfg, preprocess.Input{Ticket: e.t, Key: key, Origin: e.origin})
	if err != nil {
		e.writeRejection(ctx, err)
		return true
	}

	provider, err := e.gw.resolveProvider(key)
	if err != nil {
		e.writeRejection(ctx, err)
		return true
	}

	start := time.Now()
	resp, err := provider.Request(ctx, req)
	dur := time.Since(start)

	if err != nil {
		return e.handleUpstreamError(ctx, key, err, dur)
	}

	e.gw.keys.RecordUsage(key, e.t.Partition, resp.Usage.InputTokens+resp.Usage.OutputTokens)
	if e.gw.est != nil {
		// Recorded only here, on the terminal-success path: a retried
		// ticket's earlier failed attempts must not pollute the wait-time
		// estimate with samples from a request that didn't actually succeed.
		e.gw.est.Record(waitestimate.Sample{
			Partition:     e.t.Partition,
			Start:         e.t.StartTime,
			End:           dequeuedAt,
			Deprioritized: e.t.SharedIdentity,
		})
	}
	if e.gw.met != nil {
		e.gw.met.ObserveUpstreamAttempt(e.gw.providerName, "chat.completions", "ok", dur)
		e.gw.met.ObserveGatewayRequest(e.gw.providerName, "chat.completions", "miss", dur)
		e.gw.met.AddTokens(e.gw.providerName, "chat.completions", resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
	}

	if resp.Stream != nil {
		e.streamResponse(ctx, resp)
	} else {
		e.writeBuffered(ctx, resp)
	}
	return true
}

// handleUpstreamError classifies an upstream failure per the taxonomy:
// permanent-invalid key → disable + retry; rate limit or transient 5xx →
// lockout + retry; quota/billing 429 or other 4xx → terminal.
func (e *executor) handleUpstreamError(ctx *fasthttp.RequestCtx, key *keypool.Record, err error, dur time.Duration) bool {
	status := statusOf(err)
	outcome := "error"
	defer func() {
		if e.gw.met != nil {
			e.gw.met.ObserveUpstreamAttempt(e.gw.providerName, "chat.completions", outcome, dur)
			e.gw.met.RecordError(e.gw.providerName, outcome)
		}
	}()

	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		e.gw.keys.Disable(key, err.Error())
		outcome = "disabled_retry"
		if e.t.Stream {
			// Headers may already be flushed for a streaming ticket that
			// failed immediately; treat as terminal rather than risk a
			// second set of headers.
			e.writeRejection(ctx, err)
			outcome = "disabled_terminal"
			return true
		}
		return false

	case status == fasthttp.StatusTooManyRequests:
		if isQuotaExhausted(err) {
			outcome = "quota_terminal"
			e.writeRejection(ctx, err)
			return true
		}
		e.gw.keys.MarkRateLimited(key, e.t.Partition, retryAfterOf(err))
		if e.gw.met != nil {
			e.gw.met.RecordKeyPoolLockout(key.Provider, string(e.t.Partition))
		}
		outcome = "rate_limited_retry"
		if e.t.Stream {
			e.writeRejection(ctx, err)
			outcome = "rate_limited_terminal"
			return true
		}
		return false

	case status >= 500 || status == 0:
		e.gw.keys.MarkRateLimited(key, e.t.Partition, retryAfterOf(err))
		outcome = "upstream_5xx_retry"
		if e.t.Stream {
			e.writeRejection(ctx, err)
			outcome = "upstream_5xx_terminal"
			return true
		}
		return false

	default:
		outcome = "client_error_terminal"
		e.writeRejection(ctx, err)
		return true
	}
}

// isQuotaExhausted distinguishes a terminal quota/billing 429 from a
// transient rate-limit 429. None of the provider adapters expose a
// structured discriminator beyond status code and message text, so this is
// a substring heuristic against the error's own message.
func isQuotaExhausted(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "billing") || strings.Contains(msg, "insufficient_quota")
}

func statusOf(err error) int {
	if sc, ok := err.(providers.StatusCoder); ok {
		return sc.HTTPStatus()
	}
	return 0
}

// retryAfterOf extracts the upstream Retry-After duration a provider error
// captured, if any. Zero means "not present" — keypool.MarkRateLimited
// falls back to its own default lockout window in that case.
func retryAfterOf(err error) time.Duration {
	if rc, ok := err.(providers.RetryAfterCoder); ok {
		return rc.RetryAfterDuration()
	}
	return 0
}

// writeRejection writes a terminal client-facing error, choosing an SSE
// error frame when the ticket is streaming (its stream writer is already
// open by the time this runs) and a JSON envelope otherwise.
func (e *executor) writeRejection(ctx *fasthttp.RequestCtx, err error) {
	if rej, ok := err.(*preprocess.RejectedError); ok {
		if rej.Redirect != "" {
			if e.t.Stream {
				// An open SSE connection cannot be redirected; fall back to
				// an error frame naming the destination.
				e.writeSSEErrorLocked("request blocked: see "+rej.Redirect, true)
				return
			}
			ctx.Redirect(rej.Redirect, rej.Status)
			return
		}
		if e.t.Stream {
			e.writeSSEErrorLocked(rej.Message, true)
			return
		}
		if e.t.Debug {
			apierr.WriteEnvelope(ctx, rej.Status, apierr.Envelope{Type: apierr.TypeInvalidRequest, Message: rej.Message, ProxyNote: "prompt logging enabled"})
			return
		}
		apierr.Write(ctx, rej.Status, rej.Message, apierr.TypeInvalidRequest)
		return
	}
	if !e.t.Stream {
		status := statusOf(err)
		if status == 0 {
			status = fasthttp.StatusBadGateway
		}
		apierr.WriteProviderError(ctx, status, err.Error())
		return
	}
	e.writeSSEErrorLocked(err.Error(), true)
}

// writeStallTimeout delivers the terminal queue-timeout message: an SSE
// error frame when the client is mid-stream-wait, a plain 500 otherwise.
func (e *executor) writeStallTimeout(ctx *fasthttp.RequestCtx) {
	const msg = "request terminated by the proxy: no upstream key became available"
	if !e.t.Stream {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, msg, apierr.TypeServerError)
		return
	}
	e.writeSSEErrorLocked(msg, false)
}

// writeSSEErrorLocked writes a terminal SSE error frame through the
// ticket's already-open stream writer, optionally followed by the [DONE]
// sentinel. The writer was opened once at admission (gateway.go), so every
// SSE write for this ticket — success chunks, heartbeats, or this error
// frame — goes through the same *bufio.Writer under its own mutex.
func (e *executor) writeSSEErrorLocked(message string, withDone bool) {
	e.sw.mu.Lock()
	defer e.sw.mu.Unlock()
	writeSSEError(e.sw.w, message)
	if withDone {
		writeDone(e.sw.w)
	}
}

// writeBuffered normalizes and writes a complete, non-streaming response.
func (e *executor) writeBuffered(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse) {
	out := normalize.Response(resp, normalize.Options{
		InboundDialect:  e.t.InboundDialect,
		UpstreamDialect: e.t.OutboundDialect,
		PromptTokens:    e.t.PromptTokens,
		OutputTokens:    e.t.OutputTokens,
		Debug:           e.t.Debug,
		ProxyNote:       e.proxyNote(),
	})
	ctx.SetContentType("application/json")
	body, _ := marshalChatCompletion(out)
	ctx.SetBody(body)
}

// streamResponse translates each upstream chunk onto the ticket's
// already-open SSE writer and emits the terminal [DONE] sentinel.
func (e *executor) streamResponse(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse) {
	sw := e.sw
	id := e.t.ID
	model := e.t.Body.Model
	for chunk := range resp.Stream {
		c := normalize.Chunk(id, model, chunk)
		body, _ := marshalStreamChunk(c)

		sw.mu.Lock()
		writeEvent(sw.w, body)
		sw.mu.Unlock()
	}
	sw.mu.Lock()
	writeDone(sw.w)
	sw.mu.Unlock()
}

func (e *executor) proxyNote() string {
	if e.t.Debug {
		return "prompt logging enabled"
	}
	return ""
}

func marshalChatCompletion(c normalize.ChatCompletion) ([]byte, error) {
	return json.Marshal(c)
}

func marshalStreamChunk(c normalize.StreamChunk) ([]byte, error) {
	return json.Marshal(c)
}
