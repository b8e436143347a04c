package gateway

import (
	"crypto/rsa"
	"errors"
	"strings"

	"taskgate/server/tg_log"
	"taskgate/server/who/api"
)

// KeySource hands out the current verification key, nil while absent.
// *keystore.KeyStore satisfies it.
type KeySource interface {
	Key() *rsa.PublicKey
}

// Verifier turns an Authorization header into a verified Identity.
type Verifier struct {
	keys KeySource
	l    *tg_log.Logger
}

func NewVerifier(keys KeySource, l *tg_log.Logger) *Verifier {
	return &Verifier{keys: keys, l: l}
}

// Verify checks the key first: while it is absent every request is
// ServiceUnavailable, with or without a credential. Then a missing bearer
// token is Unauthenticated and any token that fails RS256 verification or
// has expired is Forbidden.
func (v *Verifier) Verify(authorization string) (api.Identity, error) {
	key := v.keys.Key()
	if key == nil {
		verifications.WithLabelValues("unavailable").Inc()
		return api.Identity{}, newError(ServiceUnavailable, "verification key not yet available", nil)
	}

	token, ok := bearer(authorization)
	if !ok {
		verifications.WithLabelValues("unauthenticated").Inc()
		return api.Identity{}, newError(Unauthenticated, "no token provided", nil)
	}

	id, err := api.JwtVerify(key, token)
	if err != nil {
		verifications.WithLabelValues("forbidden").Inc()
		msg := "invalid token"
		if errors.Is(err, api.ErrTokenExpired) {
			msg = "token expired"
		}
		v.l.Debug("token rejected: %s", err)
		return api.Identity{}, newError(Forbidden, msg, err)
	}

	verifications.WithLabelValues("ok").Inc()
	return id, nil
}

// bearer extracts the token of a "Bearer <token>" credential.
func bearer(authorization string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
