// Package preprocess runs the ordered rewriter chain that turns an admitted
// Request Ticket and its leased key into a provider-shaped ProxyRequest.
// The Proxy Executor calls Run on every attempt, retries included; each call
// rebuilds the ProxyRequest from the ticket's unchanged body, so a retry
// differs from the first attempt only in the leased key's credentials.
package preprocess

import (
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
)

// RejectedError is returned by Run when a stage refuses the request outright
// (blocked origin, disallowed content). It carries the HTTP status the
// Proxy Executor should report to the client.
//
// Redirect, when non-empty, asks the executor to issue a redirect instead
// of a JSON envelope — used by the origin-blocking stage when BLOCK_REDIRECT
// is configured. A streaming ticket has no way to redirect an open SSE
// connection, so the executor falls back to an SSE error frame for those.
type RejectedError struct {
	Status   int
	Message  string
	Redirect string
}

func (e *RejectedError) Error() string { return e.Message }

// Config holds the static, rarely-changing policy the pipeline enforces.
// It is built once from the loaded configuration and shared read-only
// across every ticket.
type Config struct {
	// MaxOutputTokens caps the requested output token count per partition.
	// A missing or zero entry means "no cap for this partition".
	MaxOutputTokens map[partition.Family]int

	// BlockedOrigins rejects requests whose Origin header matches (exact,
	// case-insensitive) any entry. Empty disables origin blocking.
	BlockedOrigins []string
	BlockMessage   string

	// BlockRedirect, when set, redirects a blocked-origin request to this
	// URL instead of returning the BlockMessage JSON envelope.
	BlockRedirect string

	// RejectDisallowed, when true, runs the content filter; Disallowed
	// supplies the disallowed-content patterns (reusing the model-name
	// matcher for exact/regex matching against message content).
	RejectDisallowed bool
	RejectMessage    string
	Disallowed       *cache.ExclusionList
}

// Input is everything the pipeline needs besides the static Config: the
// ticket being admitted and the key leased for it by the Dispatcher.
type Input struct {
	Ticket *ticket.Ticket
	Key    *keypool.Record
	Origin string // client-supplied Origin header, if any
}

// Run executes the six standard stages in order and returns the finished
// ProxyRequest. A *RejectedError means the caller should surface it to the
// client and destroy the ticket without retrying; any other error is an
// internal failure with the same no-retry consequence.
func Run(cfg Config, in Input) (*providers.ProxyRequest, error) {
	req := &providers.ProxyRequest{
		Model:       in.Ticket.Body.Model,
		Stream:      in.Ticket.Body.Stream,
		Temperature: in.Ticket.Body.Temperature,
		MaxTokens:   in.Ticket.Body.MaxTokens,
		RequestID:   in.Ticket.ID,
	}
	for _, m := range in.Ticket.Body.Messages {
		req.Messages = append(req.Messages, providers.Message{Role: m.Role, Content: m.Content})
	}

	if err := applyQuota(cfg, in.Ticket.Partition, req); err != nil {
		return nil, err
	}
	attachCredentials(in.Key, req)
	if err := filterContent(cfg, req); err != nil {
		return nil, err
	}
	if err := blockOrigin(cfg, in.Origin); err != nil {
		return nil, err
	}
	stripIdentityHeaders(req)
	finalize(req)

	return req, nil
}

// applyQuota caps MaxTokens to the partition's configured ceiling. A request
// with no MaxTokens set (0) adopts the ceiling. A partition with no cap (or
// a cap of 0) leaves MaxTokens unchanged.
func applyQuota(cfg Config, fam partition.Family, req *providers.ProxyRequest) error {
	cap, ok := cfg.MaxOutputTokens[fam]
	if !ok || cap <= 0 {
		return nil
	}
	if req.MaxTokens <= 0 || req.MaxTokens > cap {
		req.MaxTokens = cap
	}
	return nil
}

// attachCredentials copies the leased key's secret and provider-scoping
// fields onto the outgoing request. This is the only stage that ever reads
// the Key Pool's Record.
func attachCredentials(key *keypool.Record, req *providers.ProxyRequest) {
	req.APIKey = key.Secret
	req.OrgID = key.OrgID
	req.Region = key.Region
}

// filterContent rejects the request if any message content matches a
// disallowed pattern, when enabled. The exclusion list's model-name matcher
// is repurposed here against each message's raw content rather than a model
// string — the same exact/regex matching semantics apply to either.
func filterContent(cfg Config, req *providers.ProxyRequest) error {
	if !cfg.RejectDisallowed || cfg.Disallowed == nil {
		return nil
	}
	for _, m := range req.Messages {
		if cfg.Disallowed.Matches(m.Content) {
			msg := cfg.RejectMessage
			if msg == "" {
				msg = "request content is not allowed"
			}
			return &RejectedError{Status: 403, Message: msg}
		}
	}
	return nil
}

// blockOrigin rejects the request if its Origin header matches a configured
// blocked entry.
func blockOrigin(cfg Config, origin string) error {
	if len(cfg.BlockedOrigins) == 0 || origin == "" {
		return nil
	}
	for _, o := range cfg.BlockedOrigins {
		if strings.EqualFold(o, origin) {
			if cfg.BlockRedirect != "" {
				return &RejectedError{Status: fasthttp.StatusFound, Redirect: cfg.BlockRedirect}
			}
			msg := cfg.BlockMessage
			if msg == "" {
				msg = "origin is blocked"
			}
			return &RejectedError{Status: 403, Message: msg}
		}
	}
	return nil
}

// stripIdentityHeaders is a no-op at this layer: the ProxyRequest contract
// never carries the client's own headers in the first place (the HTTP
// handler builds Ticket.Body from the parsed JSON only), so there is
// nothing here that could leak client identity downstream. Kept as an
// explicit stage, matching the standard six-stage chain, so a future field
// added to ProxyRequest gets a deliberate decision point instead of an
// accidental leak.
func stripIdentityHeaders(req *providers.ProxyRequest) {}

// finalize is the last stage before the adapter layer takes over
// serialization; each providers.Provider owns its own wire-format encoding,
// so there is nothing left to mutate here beyond a final sanity trim.
func finalize(req *providers.ProxyRequest) {
	req.Model = strings.TrimSpace(req.Model)
}

// Validate returns an error if cfg itself is internally inconsistent,
// surfaced at startup rather than on the first request.
func (c Config) Validate() error {
	for fam, n := range c.MaxOutputTokens {
		if n < 0 {
			return fmt.Errorf("preprocess: negative MAX_OUTPUT_TOKENS for partition %q", fam)
		}
	}
	return nil
}
