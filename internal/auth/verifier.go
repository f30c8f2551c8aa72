package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRejected is returned for any token that fails verification. Expired,
// malformed, and badly signed tokens are deliberately indistinguishable to
// callers; the handshake rejection carries no detail either way.
var ErrRejected = errors.New("auth: token rejected")

// Identity is the verified subject of an access token.
type Identity struct {
	UserID string
	Email  string
}

// Verifier checks a bearer token and returns the identity it belongs to.
// The platform's auth service issues the tokens; this side only verifies.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// tokenClaims extends the registered claims with the fields the platform
// puts in its access tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTVerifier verifies HMAC-signed access tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token. Any failure maps to ErrRejected.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrRejected
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrRejected
	}

	return Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
	}, nil
}
