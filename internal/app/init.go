package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/preprocess"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-gateway/internal/providers/anthropic"
	openaiprov "github.com/nulpointcorp/llm-gateway/internal/providers/openai"
	palmprov "github.com/nulpointcorp/llm-gateway/internal/providers/palm"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
	"github.com/nulpointcorp/llm-gateway/internal/waitestimate"
)

const (
	routeOpenAI    = "openai"
	routeAnthropic = "anthropic"
	routePaLM      = "google-palm"
	routeAWSClaude = "aws-claude"
)

// initInfra establishes optional external connections. Redis backs the
// cross-replica RPM limiter and lockout mirror. When REDIS_URL is unset,
// lockouts stay process-local and no RPM limiter is built.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initKeyPool builds the shared key pool, queue, wait-time estimator and
// dispatcher, and the provider adapters the four Gateways will resolve
// their leased keys against.
func (a *App) initKeyPool(_ context.Context) error {
	var records []*keypool.Record

	a.provs = make(map[string]providers.Provider)

	if len(a.cfg.OpenAIKeys) > 0 {
		a.provs[routeOpenAI] = openaiprov.New(firstSecret(a.cfg.OpenAIKeys))
		for _, k := range a.cfg.OpenAIKeys {
			records = append(records, keypool.NewRecord(routeOpenAI, k.Secret, k.OrgID, ""))
		}
	}
	if len(a.cfg.AnthropicKeys) > 0 {
		a.provs[routeAnthropic] = anthropicprov.New(firstSecret(a.cfg.AnthropicKeys))
		for _, k := range a.cfg.AnthropicKeys {
			records = append(records, keypool.NewRecord(routeAnthropic, k.Secret, k.OrgID, ""))
		}
	}
	if len(a.cfg.PaLMKeys) > 0 {
		a.provs[routePaLM] = palmprov.New(firstSecret(a.cfg.PaLMKeys))
		for _, k := range a.cfg.PaLMKeys {
			records = append(records, keypool.NewRecord(routePaLM, k.Secret, k.OrgID, ""))
		}
	}
	for _, k := range a.cfg.AWSKeys {
		records = append(records, keypool.NewRecord(routeAWSClaude, k.AccessKey+":"+k.SecretKey, "", k.Region))
	}

	if len(records) == 0 {
		return fmt.Errorf("no provider keys configured")
	}

	poolOpts := []keypool.Option{keypool.WithLogger(a.log)}
	if a.rdb != nil {
		poolOpts = append(poolOpts, keypool.WithMirror(keypool.NewRedisMirror(a.baseCtx, a.rdb, a.log)))
	}
	a.keys = keypool.New(records, poolOpts...)
	a.est = waitestimate.New()

	a.streams = proxy.NewStreamRegistry(a.cfg.DiagnosticHeartbeats)

	a.q = queue.New(a.est, a.log, a.streams.Heartbeat(), stallTicket)
	a.disp = dispatcher.New(a.q, a.keys, a.log, func(d time.Duration) {
		if a.prom != nil {
			a.prom.ObserveDispatcherTick(d)
		}
	})

	return nil
}

// stallTicket is the queue's onStall callback: it cancels the ticket's
// resume channel so the handler goroutine blocked in executor.waitForLease
// unblocks with ok=false and writes the terminal stall-timeout response,
// instead of leaking the connection goroutine forever.
func stallTicket(t *ticket.Ticket) {
	t.CancelResume()
}

// firstSecret returns the first configured key's secret — used to seed the
// shared provider adapter instance for routes whose adapter accepts a
// per-call credential override. The adapter is never actually called with
// this seed credential; attachCredentials overwrites it from the leased key
// on every request.
func firstSecret(keys []config.ProviderKey) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0].Secret
}

// initServices creates the Prometheus metrics registry and the in-process
// cache (instrumented with it).
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.memCache = npCache.NewMemoryCache(ctx, npCache.WithMetrics(a.prom))

	cacheReady := func() bool { return true }
	a.hc = proxy.NewHealthChecker(a.baseCtx, a.provs, cacheReady, a.prom)

	return nil
}

// initGateways builds one Gateway per client-facing provider route and the
// shared Server that hosts them behind one listener.
func (a *App) initGateways(_ context.Context) error {
	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.ModelRateLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.ModelRateLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.ModelRateLimit))
	}

	var disallowed *npCache.ExclusionList
	if len(a.cfg.DisallowedExact) > 0 || len(a.cfg.DisallowedRegex) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.DisallowedExact, a.cfg.DisallowedRegex)
		if err != nil {
			return fmt.Errorf("disallowed content patterns: %w", err)
		}
		disallowed = el
		a.log.Info("content filter loaded", slog.Int("rules", el.Len()))
	}

	preCfg := preprocess.Config{
		MaxOutputTokens:  a.cfg.MaxOutputTokens,
		BlockedOrigins:   a.cfg.BlockedOrigins,
		BlockMessage:     a.cfg.BlockMessage,
		BlockRedirect:    a.cfg.BlockRedirect,
		RejectDisallowed: a.cfg.RejectDisallowed,
		RejectMessage:    a.cfg.RejectMessage,
		Disallowed:       disallowed,
	}

	opts := proxy.GatewayOptions{
		Logger:                a.log,
		Metrics:               a.prom,
		Limiter:               limiter,
		MaxRetries:            a.cfg.MaxRetries,
		Diagnostic:            a.cfg.DiagnosticHeartbeats,
		PromptLogging:         a.cfg.PromptLogging,
		SharedIdentitySources: a.cfg.SharedIdentitySources,
		AllowedFamilies:       a.cfg.AllowedModelFamilies,
	}

	var gateways []*proxy.Gateway

	if p, ok := a.provs[routeOpenAI]; ok {
		gateways = append(gateways, proxy.NewGateway(
			routeOpenAI, partition.DialectOpenAI, false, true,
			proxy.SharedProviderResolver(p), a.q, a.keys, a.est, a.streams, preCfg,
			modelIDs[routeOpenAI], a.memCache, opts,
		))
	}
	if p, ok := a.provs[routeAnthropic]; ok {
		gateways = append(gateways, proxy.NewGateway(
			routeAnthropic, partition.DialectAnthropic, false, true,
			proxy.SharedProviderResolver(p), a.q, a.keys, a.est, a.streams, preCfg,
			modelIDs[routeAnthropic], a.memCache, opts,
		))
	}
	if p, ok := a.provs[routePaLM]; ok {
		// The legacy generateText endpoint has no streaming variant;
		// stream:true is rejected at admission (see Gateway.streamingSupported).
		gateways = append(gateways, proxy.NewGateway(
			routePaLM, partition.DialectPaLM, false, false,
			proxy.SharedProviderResolver(p), a.q, a.keys, a.est, a.streams, preCfg,
			modelIDs[routePaLM], a.memCache, opts,
		))
	}
	if len(a.cfg.AWSKeys) > 0 {
		gateways = append(gateways, proxy.NewGateway(
			routeAWSClaude, partition.DialectAnthropic, true, true,
			proxy.BedrockResolver(), a.q, a.keys, a.est, a.streams, preCfg,
			modelIDs[routeAWSClaude], a.memCache, opts,
		))
	}

	a.mgmt = proxy.BuildManagementRoutes(a.hc, a.prom.Handler())
	a.srv = proxy.NewServer(gateways, a.mgmt, a.cfg.CORSOrigins)

	return nil
}
