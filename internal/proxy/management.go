package proxy

import "github.com/valyala/fasthttp"

// BuildManagementRoutes wraps a HealthChecker and a metrics handler into the
// /health, /readiness and /metrics routes shared by every Gateway on the
// server.
func BuildManagementRoutes(hc *HealthChecker, metricsHandler RouteHandler) *ManagementRoutes {
	return &ManagementRoutes{
		Metrics: metricsHandler,
		Health: func(ctx *fasthttp.RequestCtx) {
			if hc == nil {
				writeJSON(ctx, map[string]string{"status": "ok"})
				return
			}
			writeJSON(ctx, hc.Snapshot())
		},
		Ready: func(ctx *fasthttp.RequestCtx) {
			if hc == nil || hc.ReadinessOK() {
				writeJSON(ctx, map[string]string{"status": "ok"})
				return
			}
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable"})
		},
	}
}
