// Package gateway is the edge of the system: it authenticates inbound
// requests against the users service's RS256 key, asserts the caller's
// identity to upstreams through X-User-* headers and forwards requests,
// websocket handshakes included, by longest-prefix route.
package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"time"

	"taskgate/server/keystore"
	"taskgate/server/tg_log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName is reported by /health.
const ServiceName = "api-gateway"

// DefaultOrigins are the frontend origins allowed by CORS.
var DefaultOrigins = []string{"http://localhost:3002", "http://frontend-app:3002"}

type Conf struct {
	Routes *RouteTable
	// Keys is usually a *keystore.KeyStore.
	Keys KeySource
	// KeyPath must be governed by a public rule, if any.
	KeyPath string
	Origins []string
	// RateLimit requests per RateWindow per client address; 0 disables.
	RateLimit  int
	RateWindow time.Duration
	// Transport to upstreams; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *tg_log.Logger
}

type Gateway struct {
	routes    *RouteTable
	verifier  *Verifier
	proxies   map[string]*httputil.ReverseProxy
	origins   []string
	limiter   *clientLimiter
	transport http.RoundTripper
	l         *tg_log.Logger
}

func New(c Conf) (*Gateway, error) {
	if c.Logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if c.Routes == nil {
		return nil, fmt.Errorf("route table is nil")
	}
	if c.Keys == nil {
		return nil, fmt.Errorf("key source is nil")
	}
	keyPath := c.KeyPath
	if keyPath == "" {
		keyPath = DefaultKeyPath
	}
	if err := c.Routes.Validate(keyPath); err != nil {
		return nil, fmt.Errorf("validate routes: %w", err)
	}

	g := &Gateway{
		routes:    c.Routes,
		verifier:  NewVerifier(c.Keys, c.Logger.WithBreadcrumb("verify")),
		proxies:   make(map[string]*httputil.ReverseProxy),
		origins:   c.Origins,
		limiter:   newClientLimiter(c.RateLimit, c.RateWindow),
		transport: c.Transport,
		l:         c.Logger,
	}
	if g.origins == nil {
		g.origins = DefaultOrigins
	}
	for name := range c.Routes.Upstreams() {
		g.proxies[name] = g.newProxy(name)
	}
	return g, nil
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", g.handleHealth())
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", g.route(g.l.WithBreadcrumb("route")))

	var h http.Handler = mux
	h = rateLimit(g.limiter, h)
	h = cors(g.origins, h)
	h = secureHeaders(h)
	h = logger(g.l.WithBreadcrumb("http"), h)
	return h
}

// --- HANDLERS ---

type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Upstreams map[string]string `json:"upstreams"`
	Key       string            `json:"key"`
}

func (g *Gateway) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    "healthy",
			Service:   ServiceName,
			Upstreams: g.routes.Upstreams(),
			Key:       keystore.Absent.String(),
		}
		switch ks := g.verifier.keys.(type) {
		case *keystore.KeyStore:
			resp.Key = ks.State().String()
		default:
			if ks.Key() != nil {
				resp.Key = keystore.Present.String()
			}
		}
		keyPresent.Set(boolGauge(resp.Key == keystore.Present.String()))
		if resp.Key != keystore.Present.String() {
			resp.Status = "degraded"
		}
		respJson(w, resp, http.StatusOK)
	})
}
