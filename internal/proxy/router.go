package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// registered alongside the provider routes.
type ManagementRoutes struct {
	Metrics RouteHandler
	Health  RouteHandler
	Ready   RouteHandler
}

// Server hosts every provider Gateway plus management routes behind one
// fasthttp listener. Four client-facing routes share one Queue, Key Pool
// and Wait-Time Estimator — Server is just where their HTTP surfaces meet.
type Server struct {
	gateways    []*Gateway
	mgmt        *ManagementRoutes
	corsOrigins []string
}

// NewServer builds a Server over the given provider Gateways.
func NewServer(gateways []*Gateway, mgmt *ManagementRoutes, corsOrigins []string) *Server {
	return &Server{gateways: gateways, mgmt: mgmt, corsOrigins: corsOrigins}
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	r := router.New()

	for _, g := range s.gateways {
		g.RegisterRoutes(r)
	}

	if s.mgmt != nil {
		if s.mgmt.Metrics != nil {
			r.GET("/metrics", s.mgmt.Metrics)
		}
		if s.mgmt.Health != nil {
			r.GET("/health", s.mgmt.Health)
		}
		if s.mgmt.Ready != nil {
			r.GET("/readiness", s.mgmt.Ready)
		}
	}

	r.NotFound = notFoundOrRedirect

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// notFoundOrRedirect implements the catch-all rule for unknown
// provider-prefixed paths: a browser following a bookmark gets bounced to
// "/", everything else (SDKs, curl) gets a bare 404.
func notFoundOrRedirect(ctx *fasthttp.RequestCtx) {
	ua := strings.ToLower(string(ctx.UserAgent()))
	if strings.Contains(ua, "mozilla") {
		// Set Location directly: ctx.Redirect would rewrite "/" into an
		// absolute URI built from the request's host.
		ctx.Response.Header.Set("Location", "/")
		ctx.SetStatusCode(fasthttp.StatusFound)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	writeJSON(ctx, map[string]string{"type": "not_found", "message": "not found"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
