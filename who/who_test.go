package who

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskgate/server/tg_log"
	"taskgate/server/who/api"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestWho(t *testing.T, now func() time.Time) *Who {
	t.Helper()
	w, err := New(&Conf{
		BcryptCost: bcrypt.MinCost,
		Now:        now,
		Logger:     tg_log.NewLoggerTo("who-test", tg_log.DefaultSubjects(), io.Discard),
	})
	require.NoError(t, err)
	return w
}

func postJson(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return rec
}

func TestRegisterLoginMe(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := newTestWho(t, func() time.Time { return now })
	h := w.Handler()

	rec := postJson(t, h, "/api/users/register", api.RegisterRequest{Name: "alice", Email: "a@x.com", Password: "secret1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reg api.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Equal(t, "alice", reg.User.Name)
	assert.NotEmpty(t, reg.User.ID)

	rec = postJson(t, h, "/api/users/login", api.LoginRequest{Email: "a@x.com", Password: "secret1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var login api.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	// inspect the claims without verification
	claims := &api.JwtClaims{}
	tok, _, err := new(jwt.Parser).ParseUnverified(login.Token, claims)
	require.NoError(t, err)
	assert.Equal(t, "RS256", tok.Method.Alg())
	assert.Equal(t, reg.User.ID, claims.Subject)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set(api.HeaderUserID, reg.User.ID)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var me api.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "a@x.com", me.Email)
}

func TestRegisterErrors(t *testing.T) {
	w := newTestWho(t, nil)
	h := w.Handler()

	require.Equal(t, http.StatusCreated, postJson(t, h, "/api/users/register", api.RegisterRequest{Name: "bob", Email: "b@x.com", Password: "secret1"}).Code)

	tests := []struct {
		name string
		req  api.RegisterRequest
		code int
	}{
		{"duplicate email", api.RegisterRequest{Name: "bob", Email: "b@x.com", Password: "secret1"}, http.StatusConflict},
		{"short name", api.RegisterRequest{Name: "b", Email: "c@x.com", Password: "secret1"}, http.StatusBadRequest},
		{"bad email", api.RegisterRequest{Name: "bob", Email: "nope", Password: "secret1"}, http.StatusBadRequest},
		{"short password", api.RegisterRequest{Name: "bob", Email: "d@x.com", Password: "12345"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, postJson(t, h, "/api/users/register", tt.req).Code)
		})
	}
}

func TestLoginRejected(t *testing.T) {
	w := newTestWho(t, nil)
	_, err := w.Register("carol", "c@x.com", "secret1")
	require.NoError(t, err)

	_, err = w.Login("c@x.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = w.Login("nobody@x.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	rec := postJson(t, w.Handler(), "/api/users/login", api.LoginRequest{Email: "c@x.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeWithoutGateway(t *testing.T) {
	h := newTestWho(t, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set(api.HeaderUserID, "ghost")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	w := newTestWho(t, nil)
	_, err := w.Register("dave", "d@x.com", "secret1")
	require.NoError(t, err)
	token, err := w.Login("d@x.com", "secret1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/auth/public-key", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))

	key, err := jwt.ParseRSAPublicKeyFromPEM(rec.Body.Bytes())
	require.NoError(t, err)
	ident, err := api.JwtVerify(key, token)
	require.NoError(t, err)
	assert.Equal(t, "dave", ident.Name)
}

func TestUnknownRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestWho(t, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cannot GET /api/nope")
}
