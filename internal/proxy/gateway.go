// Package proxy wires the Request Ticket through admission, queueing,
// upstream execution and response normalization for one client-facing
// provider route.
package proxy

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/preprocess"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/bedrock"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
	"github.com/nulpointcorp/llm-gateway/internal/waitestimate"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// resolveProviderFunc returns the providers.Provider to use for one leased
// key. openai/anthropic/google-palm ignore key and always return the same
// shared adapter instance, since those adapters accept credentials per
// call. aws-claude's adapter binds one AWS credential triple at
// construction time, so its resolver lazily builds and caches one adapter
// per distinct *keypool.Record instead.
type resolveProviderFunc func(key *keypool.Record) (providers.Provider, error)

// GatewayOptions carries the dependencies and policy shared (or
// individually scoped) across every provider Gateway.
type GatewayOptions struct {
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	Limiter       *ratelimit.RPMLimiter // optional, MODEL_RATE_LIMIT gate
	MaxRetries    int
	Diagnostic    bool // DIAGNOSTIC_HEARTBEATS
	PromptLogging bool

	// SharedIdentitySources classifies remote addresses (exact IP or CIDR)
	// as shared-identity traffic — deprioritized in scheduling but granted
	// the higher concurrency cap. No recognized environment option names
	// this in the interface list, so it is a supplemented setting; see
	// DESIGN.md.
	SharedIdentitySources []string

	// AllowedFamilies restricts admission to the named model families
	// (ALLOWED_MODEL_FAMILIES). Empty means every family this Gateway's
	// provider can resolve is admitted.
	AllowedFamilies []partition.Family
}

// Gateway serves one client-facing provider route (openai, anthropic,
// google-palm, aws-claude). Every Gateway in a process shares the same
// Queue, Key Pool and Wait-Time Estimator — the provider routes are
// different entry doors onto one admission/scheduling core.
type Gateway struct {
	providerName    string
	upstreamDialect partition.Dialect
	aws             bool

	// streamingSupported is false for routes whose upstream adapter has no
	// streaming branch (the legacy PaLM generateText endpoint). A stream:
	// true request against such a route is rejected at admission, before
	// the connection ever commits to SSE framing.
	streamingSupported bool

	resolveProvider resolveProviderFunc

	q    *queue.Queue
	keys *keypool.Pool
	est  *waitestimate.Estimator

	preCfg  preprocess.Config
	limiter *ratelimit.RPMLimiter

	streams *StreamRegistry

	modelIDs    []string
	modelsCache *cache.MemoryCache

	sharedSources   []string
	allowedFamilies map[partition.Family]bool
	maxRetries      int
	promptLogging   bool

	log *slog.Logger
	met *metrics.Registry
}

// NewGateway builds a Gateway for one provider route. q, keys, est and
// streams are shared across every Gateway in the process.
func NewGateway(
	providerName string,
	upstreamDialect partition.Dialect,
	aws bool,
	streamingSupported bool,
	resolve resolveProviderFunc,
	q *queue.Queue,
	keys *keypool.Pool,
	est *waitestimate.Estimator,
	streams *StreamRegistry,
	preCfg preprocess.Config,
	modelIDs []string,
	modelsCache *cache.MemoryCache,
	opts GatewayOptions,
) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	var allowed map[partition.Family]bool
	if len(opts.AllowedFamilies) > 0 {
		allowed = make(map[partition.Family]bool, len(opts.AllowedFamilies))
		for _, f := range opts.AllowedFamilies {
			allowed[f] = true
		}
	}
	return &Gateway{
		providerName:       providerName,
		upstreamDialect:    upstreamDialect,
		aws:                aws,
		streamingSupported: streamingSupported,
		resolveProvider:    resolve,
		q:                  q,
		keys:               keys,
		est:                est,
		preCfg:             preCfg,
		limiter:            opts.Limiter,
		streams:            streams,
		modelIDs:           modelIDs,
		modelsCache:        modelsCache,
		sharedSources:      opts.SharedIdentitySources,
		allowedFamilies:    allowed,
		maxRetries:         maxRetries,
		promptLogging:      opts.PromptLogging,
		log:                log,
		met:                opts.Metrics,
	}
}

// RegisterRoutes mounts this Gateway's routes under /{prefix}, where prefix
// is the Gateway's provider name.
func (g *Gateway) RegisterRoutes(r *router.Router) {
	base := "/" + g.providerName
	r.GET(base+"/v1/models", g.handleModels)
	r.POST(base+"/v1/chat/completions", g.handleChatCompletions)
	// requests missing the /v1/ prefix receive it automatically.
	r.POST(base+"/chat/completions", g.handleChatCompletions)
}

// BedrockResolver builds a resolveProviderFunc for the aws-claude route: one
// *bedrock.Provider per distinct key record, built lazily from the record's
// "access:secret" secret and its region, and cached for reuse.
func BedrockResolver() resolveProviderFunc {
	var mu sync.Mutex
	built := make(map[*keypool.Record]*bedrock.Provider)

	return func(key *keypool.Record) (providers.Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := built[key]; ok {
			return p, nil
		}
		access, secret, ok := strings.Cut(key.Secret, ":")
		if !ok {
			return nil, &preprocess.RejectedError{Status: 500, Message: "malformed aws-claude credential"}
		}
		p := bedrock.New(access, secret, key.Region)
		built[key] = p
		return p, nil
	}
}

// SharedProviderResolver returns a resolveProviderFunc that ignores the
// leased key and always returns p — used by the three adapters that accept
// per-call credential overrides (openai, anthropic, google-palm).
func SharedProviderResolver(p providers.Provider) resolveProviderFunc {
	return func(*keypool.Record) (providers.Provider, error) { return p, nil }
}

// handleModels serves the 60s-cached OpenAI-compatible model listing. A
// ?nocache=true query param bypasses the cache entirely, for diagnostics.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	const cacheKey = "models"
	bypass := string(ctx.QueryArgs().Peek("nocache")) == "true"
	if g.modelsCache != nil && bypass {
		if g.met != nil {
			g.met.CacheGetBypass()
		}
	} else if g.modelsCache != nil {
		if body, ok := g.modelsCache.Get(ctx, cacheKey); ok {
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
			return
		}
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]modelEntry, 0, len(g.modelIDs))
	for _, id := range g.modelIDs {
		data = append(data, modelEntry{ID: id, Object: "model", OwnedBy: g.providerName})
	}
	body, _ := json.Marshal(map[string]any{"object": "list", "data": data})

	if g.modelsCache != nil && !bypass {
		if err := g.modelsCache.Set(ctx, cacheKey, body, 60*time.Second); err != nil {
			if g.met != nil {
				g.met.CacheSetError()
			}
		} else if g.met != nil {
			g.met.CacheSetOK()
		}
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleChatCompletions admits a chat completion request, parses the body,
// derives identity and partition, and hands off to the executor.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var body ticket.Body
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest)
		g.recordAdmissionRejection("bad_json")
		return
	}
	if strings.TrimSpace(body.Model) == "" || len(body.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "model and messages are required", apierr.TypeInvalidRequest)
		g.recordAdmissionRejection("missing_fields")
		return
	}
	if body.Stream && !g.streamingSupported {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "this provider does not support streaming responses", apierr.TypeInvalidRequest)
		g.recordAdmissionRejection("streaming_unsupported")
		return
	}

	fam := partition.Resolve(g.aws, g.upstreamDialect, body.Model)

	if g.allowedFamilies != nil && !g.allowedFamilies[fam] {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "model family is not allowed", apierr.TypeInvalidRequest)
		g.recordAdmissionRejection("family_not_allowed")
		return
	}

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, fam)
		if err == nil {
			if g.met != nil {
				if allowed {
					g.met.RecordRateLimit("allowed")
				} else {
					g.met.RecordRateLimit("limited")
				}
			}
			if !allowed {
				apierr.WriteRateLimit(ctx, 60)
				g.recordAdmissionRejection("rate_limited")
				return
			}
		}
	}

	identity, shared := g.identityOf(ctx)
	debug := g.promptLogging || string(ctx.QueryArgs().Peek("debug")) == "true"

	t := ticket.New(identity, shared, partition.DialectOpenAI, g.upstreamDialect, g.providerName, fam, body)
	t.Debug = debug

	origin := string(ctx.Request.Header.Peek("Origin"))
	badSSE := string(ctx.QueryArgs().Peek("badSseParser")) == "true"

	if err := g.q.Enqueue(ctx, t); err != nil {
		apierr.Write(ctx, fasthttp.StatusTooManyRequests, err.Error(), apierr.TypeProxyError)
		g.recordAdmissionRejection("identity_cap")
		return
	}
	if g.met != nil {
		g.met.SetQueueDepth(string(fam), g.q.Len(fam))
	}

	e := &executor{gw: g, t: t, origin: origin}

	if !t.Stream {
		e.run(ctx)
		return
	}

	// A streaming ticket's SSE writer is opened and registered here, at
	// admission, rather than after dequeue: the queue's heartbeat goroutine
	// starts ticking the moment Enqueue returns, and it needs somewhere to
	// write for the entire queue wait, not just once upstream execution
	// begins. fasthttp only allows one SetBodyStreamWriter call per request,
	// so the whole executor lifecycle — wait, retries, upstream call,
	// terminal write — runs inside this one callback.
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sw := g.streams.register(t, w, badSSE, t.InboundDialect)
		defer g.streams.unregister(t)
		e.sw = sw
		e.run(ctx)
	})
}

func (g *Gateway) recordAdmissionRejection(reason string) {
	if g.met != nil {
		g.met.RecordAdmissionRejection(reason)
	}
}

// identityOf derives the stable per-client identity and whether it belongs
// to a configured shared-identity source. An Authorization header, if
// present, is the identity (bearer prefix stripped); otherwise the source
// address is used. Shared-identity classification is address-based
// regardless of which identity form is in play, since it exists to flag
// many-users-behind-one-address traffic (NAT gateways, corporate egress),
// not a particular token.
func (g *Gateway) identityOf(ctx *fasthttp.RequestCtx) (string, bool) {
	ip := ctx.RemoteIP().String()
	shared := g.isSharedSource(ip)

	auth := string(ctx.Request.Header.Peek("Authorization"))
	if auth != "" {
		return strings.TrimPrefix(auth, "Bearer "), shared
	}
	return ip, shared
}

func (g *Gateway) isSharedSource(ip string) bool {
	if len(g.sharedSources) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	for _, src := range g.sharedSources {
		if src == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(src); err == nil && parsed != nil && cidr.Contains(parsed) {
			return true
		}
	}
	return false
}
