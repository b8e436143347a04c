package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLongestPrefixWins(t *testing.T) {
	routes, err := NewRouteTable(
		map[string]string{"a": "http://a.internal", "b": "http://b.internal", "c": "http://c.internal"},
		[]RouteRule{
			{Prefix: "/", Upstream: "a", Public: true},
			{Prefix: "/api", Upstream: "b"},
			{Prefix: "/api/users/login", Upstream: "c", Public: true},
		},
	)
	require.NoError(t, err)

	cases := []struct {
		path   string
		prefix string
	}{
		{"/", "/"},
		{"/index.html", "/"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"/api/users", "/api"},
		{"/api/users/login", "/api/users/login"},
		{"/api/users/login/extra", "/api/users/login"},
		{"/api/users/loginx", "/api"},
		{"/apix", "/"},
	}
	for _, c := range cases {
		r, ok := routes.Match(c.path)
		require.True(t, ok, c.path)
		assert.Equal(t, c.prefix, r.Prefix, c.path)
	}
}

func TestNoMatch(t *testing.T) {
	routes, err := DefaultRoutes("http://127.0.0.1:3001", "http://127.0.0.1:4000")
	require.NoError(t, err)
	_, ok := routes.Match("/graphql")
	assert.False(t, ok)

	r, ok := routes.Match("/api/tasks/ws")
	require.True(t, ok)
	assert.True(t, r.Upgrade)
	assert.True(t, r.RequiresAuth())
	assert.NoError(t, routes.Validate(DefaultKeyPath))
}

func TestRouteTableRejects(t *testing.T) {
	up := map[string]string{"a": "http://a.internal"}
	cases := map[string]struct {
		upstreams map[string]string
		rules     []RouteRule
	}{
		"no rules":         {up, nil},
		"relative prefix":  {up, []RouteRule{{Prefix: "api", Upstream: "a"}}},
		"duplicate prefix": {up, []RouteRule{{Prefix: "/x", Upstream: "a"}, {Prefix: "/x", Upstream: "a", Public: true}}},
		"unknown upstream": {up, []RouteRule{{Prefix: "/x", Upstream: "b"}}},
		"bad upstream url": {map[string]string{"a": "a.internal:80"}, []RouteRule{{Prefix: "/x", Upstream: "a"}}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRouteTable(c.upstreams, c.rules)
			assert.Error(t, err)
		})
	}
}

func TestLoadRoutes(t *testing.T) {
	doc := `
upstreams:
  users: http://users:3001
  tasks: http://tasks:4000
routes:
  - prefix: /api/users/auth/public-key
    upstream: users
    public: true
  - prefix: /api/users
    upstream: users
  - prefix: /api/tasks
    upstream: tasks
    upgrade: true
  - prefix: /legacy/
    upstream: tasks
    strip_prefix: true
`
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	routes, err := LoadRoutes(path)
	require.NoError(t, err)
	require.NoError(t, routes.Validate(DefaultKeyPath))

	r, ok := routes.Match("/legacy/thing")
	require.True(t, ok)
	assert.Equal(t, "tasks", r.Upstream)
	assert.True(t, r.StripPrefix)
	assert.Len(t, routes.Rules(), 4)
	assert.Equal(t, "http://users:3001", routes.Upstreams()["users"])

	_, err = LoadRoutes(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = ParseRoutes([]byte("routes: [prefix"))
	assert.Error(t, err)
}

func TestProtectedKeyRouteFailsValidation(t *testing.T) {
	routes, err := NewRouteTable(
		map[string]string{"users": "http://users:3001"},
		[]RouteRule{
			{Prefix: "/api/users", Upstream: "users"},
			{Prefix: "/api/users/login", Upstream: "users", Public: true},
		},
	)
	require.NoError(t, err)
	assert.Error(t, routes.Validate(DefaultKeyPath))
	assert.NoError(t, routes.Validate("/api/users/login"))
}
