// Package auth validates the bearer tokens presented at websocket handshake
// and on API requests. Token issuance belongs to the account service; this
// layer only needs to recognize a valid identity.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed, or expired tokens.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

type claims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ParseToken validates the token signature and expiry and returns the
// identity it carries. All failures map to ErrUnauthorized; callers do not
// distinguish why a token was rejected.
func (v *Verifier) ParseToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrUnauthorized
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return Identity{}, ErrUnauthorized
	}

	return Identity{UserID: c.Subject, Email: c.Email, Username: c.Username}, nil
}
