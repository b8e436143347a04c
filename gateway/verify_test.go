package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"taskgate/server/who/api"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := &staticKeys{}
	v := NewVerifier(keys, quiet())

	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, api.JwtClaims{
			Name:           "Bob",
			Email:          "bob@example.com",
			StandardClaims: jwt.StandardClaims{Subject: "u-1", ExpiresAt: exp.Unix()},
		}).SignedString(priv)
		require.NoError(t, err)
		return tok
	}
	good := "Bearer " + sign(time.Now().Add(time.Hour))

	kindOf := func(err error) Kind {
		t.Helper()
		k, ok := KindOf(err)
		require.True(t, ok, "not a gateway error: %v", err)
		return k
	}

	_, err = v.Verify(good)
	assert.Equal(t, ServiceUnavailable, kindOf(err))

	keys.key = &priv.PublicKey
	id, err := v.Verify(good)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.ID)
	assert.Equal(t, "Bob", id.Name)
	assert.Equal(t, "bob@example.com", id.Email)

	_, err = v.Verify("bearer " + sign(time.Now().Add(time.Hour)))
	assert.NoError(t, err)

	_, err = v.Verify("")
	assert.Equal(t, Unauthenticated, kindOf(err))

	_, err = v.Verify("Bearer " + sign(time.Now().Add(-time.Second)))
	assert.Equal(t, Forbidden, kindOf(err))
	assert.True(t, errors.Is(err, api.ErrTokenExpired))
}

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		Unauthenticated:    401,
		Forbidden:          403,
		ServiceUnavailable: 503,
		BadGateway:         502,
		NotFound:           404,
		ValidationError:    400,
		TooManyRequests:    429,
	}
	for k, status := range cases {
		assert.Equal(t, status, k.Status(), k.String())
	}
}
