package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func claimsFor(exp time.Time) JwtClaims {
	return JwtClaims{
		Name:  "alice",
		Email: "a@x.com",
		StandardClaims: jwt.StandardClaims{
			Subject:   "u-1",
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: exp.Unix(),
		},
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims JwtClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJwtVerifyValid(t *testing.T) {
	key := mustKey(t)
	exp := time.Now().Add(time.Hour)
	token := sign(t, jwt.SigningMethodRS256, key, claimsFor(exp))

	ident, err := JwtVerify(&key.PublicKey, token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", ident.ID)
	assert.Equal(t, "alice", ident.Name)
	assert.Equal(t, "a@x.com", ident.Email)
	assert.Equal(t, exp.Unix(), ident.Expires.Unix())
}

func TestJwtVerifyRejects(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)
	valid := claimsFor(time.Now().Add(time.Hour))

	pubDer, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPem := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer})

	noSub := valid
	noSub.Subject = ""
	noExp := valid
	noExp.ExpiresAt = 0

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"other key", sign(t, jwt.SigningMethodRS256, other, valid), ErrTokenSignature},
		{"expired", sign(t, jwt.SigningMethodRS256, key, claimsFor(time.Now().Add(-time.Minute))), ErrTokenExpired},
		{"hmac with public key as secret", sign(t, jwt.SigningMethodHS256, pubPem, valid), ErrTokenAlgorithm},
		{"rs512", sign(t, jwt.SigningMethodRS512, key, valid), ErrTokenAlgorithm},
		{"none", sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid), ErrTokenAlgorithm},
		{"garbage", "not.a.token", ErrTokenMalformed},
		{"missing subject", sign(t, jwt.SigningMethodRS256, key, noSub), ErrTokenClaims},
		{"missing expiry", sign(t, jwt.SigningMethodRS256, key, noExp), ErrTokenClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JwtVerify(&key.PublicKey, tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJwtVerifyNoKey(t *testing.T) {
	_, err := JwtVerify(nil, "x")
	assert.Error(t, err)
}

func TestFromHeaders(t *testing.T) {
	h := http.Header{}
	_, ok := FromHeaders(h)
	assert.False(t, ok)

	h.Set(HeaderUserID, "u-1")
	h.Set(HeaderUserName, "alice")
	h.Set(HeaderUserEmail, "a@x.com")
	ident, ok := FromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, Identity{ID: "u-1", Name: "alice", Email: "a@x.com"}, ident)
}
