package api

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// Identity headers asserted by the gateway towards upstream services.
const (
	HeaderUserPrefix = "X-User-"
	HeaderUserID     = "X-User-Id"
	HeaderUserName   = "X-User-Name"
	HeaderUserEmail  = "X-User-Email"
)

// SigningAlg is the only algorithm tokens are issued with and accepted in.
const SigningAlg = "RS256"

var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenAlgorithm = errors.New("unexpected signing algorithm")
	ErrTokenSignature = errors.New("signature invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenClaims    = errors.New("token claims invalid")
)

// Identity is the verified caller of a single request.
type Identity struct {
	ID      string
	Name    string
	Email   string
	Expires time.Time
}

// FromHeaders reads the identity asserted by the gateway. ok is false when
// no subject header is present.
func FromHeaders(h http.Header) (Identity, bool) {
	id := h.Get(HeaderUserID)
	if id == "" {
		return Identity{}, false
	}
	return Identity{
		ID:    id,
		Name:  h.Get(HeaderUserName),
		Email: h.Get(HeaderUserEmail),
	}, true
}

// USER
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Teams []string `json:"teams,omitempty"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	User    User   `json:"user"`
}

// AUTH
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// JwtClaims is the claim set carried by tokens issued by the who service.
type JwtClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.StandardClaims
}

// JwtVerify verifies a token issued by the who service against its public key.
//
// Only RS256 is accepted. Tokens naming any other algorithm, symmetric ones
// included, are rejected before the key is ever handed to the parser, so the
// public key can never be misused as an HMAC secret.
func JwtVerify(key *rsa.PublicKey, tokenStr string) (Identity, error) {
	if key == nil {
		return Identity{}, fmt.Errorf("no verification key")
	}
	parser := &jwt.Parser{ValidMethods: []string{SigningAlg}}
	token, err := parser.ParseWithClaims(tokenStr, &JwtClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok || token.Method.Alg() != SigningAlg {
			return nil, fmt.Errorf("%w: %v", ErrTokenAlgorithm, token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return Identity{}, classify(err)
	}
	claims, ok := token.Claims.(*JwtClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrTokenClaims
	}
	if claims.Subject == "" || claims.ExpiresAt == 0 {
		return Identity{}, fmt.Errorf("%w: sub and exp are required", ErrTokenClaims)
	}

	return Identity{
		ID:      claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Expires: time.Unix(claims.ExpiresAt, 0),
	}, nil
}

func classify(err error) error {
	var vErr *jwt.ValidationError
	if !errors.As(err, &vErr) {
		return fmt.Errorf("%w: %s", ErrTokenMalformed, err)
	}
	switch {
	case vErr.Errors&jwt.ValidationErrorMalformed != 0:
		return fmt.Errorf("%w: %s", ErrTokenMalformed, err)
	case vErr.Errors&jwt.ValidationErrorUnverifiable != 0:
		return fmt.Errorf("%w: %s", ErrTokenAlgorithm, err)
	case vErr.Errors&jwt.ValidationErrorSignatureInvalid != 0:
		if strings.Contains(err.Error(), "signing method") {
			return fmt.Errorf("%w: %s", ErrTokenAlgorithm, err)
		}
		return fmt.Errorf("%w: %s", ErrTokenSignature, err)
	case vErr.Errors&jwt.ValidationErrorExpired != 0:
		return fmt.Errorf("%w: %s", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %s", ErrTokenClaims, err)
	}
}
