package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken mints a token for the given identity, valid for ttl. Used by
// local tooling and tests; production tokens come from the account service
// with the same claim shape.
func (v *Verifier) SignToken(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:    identity.Email,
		Username: identity.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
