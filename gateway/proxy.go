package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"

	"taskgate/server/tg_log"
	"taskgate/server/who/api"
)

type forwardKey struct{}

// forward carries the routing decision from route() into Rewrite.
type forward struct {
	rule RouteRule
	id   *api.Identity
}

// newProxy builds the reverse proxy for one upstream. Upgrade handshakes
// are relayed by httputil.ReverseProxy itself once Rewrite returns.
func (g *Gateway) newProxy(name string) *httputil.ReverseProxy {
	target, _ := g.routes.Upstream(name)
	l := g.l.WithBreadcrumb("proxy").WithBreadcrumb(name)

	proxy := &httputil.ReverseProxy{
		Transport: g.transport,
		Rewrite: func(r *httputil.ProxyRequest) {
			f, _ := r.In.Context().Value(forwardKey{}).(forward)

			stripIdentity(r.Out.Header)
			if f.id != nil {
				injectIdentity(r.Out.Header, *f.id)
			}

			if f.rule.StripPrefix {
				p := strings.TrimPrefix(r.In.URL.Path, strings.TrimSuffix(f.rule.Prefix, "/"))
				if !strings.HasPrefix(p, "/") {
					p = "/" + p
				}
				r.Out.URL.Path = p
				r.Out.URL.RawPath = ""
			}

			r.SetURL(target)
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			upstreamErrors.WithLabelValues(name).Inc()
			if errors.Is(r.Context().Err(), context.Canceled) {
				l.Debug("client went away: %s %s", r.Method, r.URL.Path)
				return
			}
			l.Error("error proxying request %s %s: %s", r.Method, r.URL.Path, err)
			writeError(w, newError(BadGateway, "upstream "+name+" unavailable", err))
		},
	}

	l.Debug("ready (%s)", target)
	return proxy
}

// route resolves the governing rule, verifies when the rule requires it
// and hands the request to that rule's upstream.
func (g *Gateway) route(l *tg_log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := g.routes.Match(r.URL.Path)
		if !ok {
			writeError(w, newError(NotFound, "Cannot "+r.Method+" "+r.URL.Path, nil))
			return
		}
		setRoute(w, rule.Prefix)

		if isUpgrade(r) && !rule.Upgrade {
			writeError(w, newError(ValidationError, "protocol upgrade not supported on "+rule.Prefix, nil))
			return
		}

		f := forward{rule: rule}
		if rule.RequiresAuth() {
			keyPresent.Set(boolGauge(g.verifier.keys.Key() != nil))
			id, err := g.verifier.Verify(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, err)
				return
			}
			f.id = &id
			l.Debug("%s %s (%s) -> %s", r.Method, r.URL.Path, id.ID, rule.Upstream)
		} else {
			l.Debug("%s %s (public) -> %s", r.Method, r.URL.Path, rule.Upstream)
		}

		ctx := context.WithValue(r.Context(), forwardKey{}, f)
		g.proxies[rule.Upstream].ServeHTTP(w, r.WithContext(ctx))
	})
}

// isUpgrade reports a protocol-upgrade handshake.
func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
