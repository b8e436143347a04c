package gateway

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeyPath is where the users service publishes its verification key.
const DefaultKeyPath = "/api/users/auth/public-key"

// RouteRule maps a path prefix to a named upstream.
type RouteRule struct {
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`
	// Public rules are forwarded without a token.
	Public bool `yaml:"public"`
	// Upgrade rules may carry protocol-upgrade handshakes (websockets).
	Upgrade bool `yaml:"upgrade"`
	// StripPrefix removes Prefix from the forwarded path.
	StripPrefix bool `yaml:"strip_prefix"`
}

// RequiresAuth is the inverse of Public.
func (r RouteRule) RequiresAuth() bool {
	return !r.Public
}

// matches is segment aware: "/api/users" governs "/api/users" and
// "/api/users/me" but not "/api/usersx".
func (r RouteRule) matches(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	if len(path) == len(r.Prefix) || strings.HasSuffix(r.Prefix, "/") {
		return true
	}
	return path[len(r.Prefix)] == '/'
}

// RouteTable is immutable once built. Rules are kept longest prefix first
// so the first match is the governing rule.
type RouteTable struct {
	upstreams map[string]*url.URL
	rules     []RouteRule
}

type routesFile struct {
	Upstreams map[string]string `yaml:"upstreams"`
	Routes    []RouteRule       `yaml:"routes"`
}

func LoadRoutes(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	return ParseRoutes(data)
}

func ParseRoutes(data []byte) (*RouteTable, error) {
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	return NewRouteTable(f.Upstreams, f.Routes)
}

// DefaultRoutes is the built-in table for the users and tasks services.
func DefaultRoutes(usersURL, tasksURL string) (*RouteTable, error) {
	return NewRouteTable(
		map[string]string{"users": usersURL, "tasks": tasksURL},
		[]RouteRule{
			{Prefix: "/api/users/register", Upstream: "users", Public: true},
			{Prefix: "/api/users/login", Upstream: "users", Public: true},
			{Prefix: DefaultKeyPath, Upstream: "users", Public: true},
			{Prefix: "/api/users/me", Upstream: "users"},
			{Prefix: "/api/tasks", Upstream: "tasks", Upgrade: true},
		},
	)
}

func NewRouteTable(upstreams map[string]string, rules []RouteRule) (*RouteTable, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("no routes")
	}
	t := &RouteTable{
		upstreams: make(map[string]*url.URL, len(upstreams)),
		rules:     slices.Clone(rules),
	}
	for name, raw := range upstreams {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q: want an absolute http(s) url, got %q", name, raw)
		}
		t.upstreams[name] = u
	}

	seen := make(map[string]bool, len(rules))
	for _, r := range t.rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", r.Prefix)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("route %q: duplicate prefix", r.Prefix)
		}
		seen[r.Prefix] = true
		if _, ok := t.upstreams[r.Upstream]; !ok {
			return nil, fmt.Errorf("route %q: unknown upstream %q", r.Prefix, r.Upstream)
		}
	}

	slices.SortStableFunc(t.rules, func(a, b RouteRule) int {
		return len(b.Prefix) - len(a.Prefix)
	})
	return t, nil
}

// Match returns the rule governing path, or false when no rule does.
func (t *RouteTable) Match(path string) (RouteRule, bool) {
	for _, r := range t.rules {
		if r.matches(path) {
			return r, true
		}
	}
	return RouteRule{}, false
}

// Validate checks that the verification key stays reachable without a
// token. A protected key route would keep the key absent forever.
func (t *RouteTable) Validate(keyPath string) error {
	r, ok := t.Match(keyPath)
	if !ok {
		return nil
	}
	if r.RequiresAuth() {
		return fmt.Errorf("route %q governs the key path %q and must be public", r.Prefix, keyPath)
	}
	return nil
}

// Rules returns the rules, longest prefix first.
func (t *RouteTable) Rules() []RouteRule {
	return slices.Clone(t.rules)
}

// Upstream returns the target url of a named upstream.
func (t *RouteTable) Upstream(name string) (*url.URL, bool) {
	u, ok := t.upstreams[name]
	return u, ok
}

// Upstreams returns name to url for every upstream.
func (t *RouteTable) Upstreams() map[string]string {
	out := make(map[string]string, len(t.upstreams))
	for name, u := range t.upstreams {
		out[name] = u.String()
	}
	return out
}
