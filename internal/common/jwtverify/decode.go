package jwtverify

import (
	"github.com/golang-jwt/jwt/v5"
)

// DecodeUnverified reads the claims of a token without checking its
// signature or expiry. The result is a local projection for display and
// scheduling only; the server re-verifies the token on every call.
func DecodeUnverified(tokenString string) (AccessClaims, error) {
	var claims AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return AccessClaims{}, ErrTokenMalformed.WithCause(err)
	}
	if claims.ExpiresAt == nil {
		return AccessClaims{}, ErrTokenMalformed.WithCause(jwt.ErrTokenRequiredClaimMissing)
	}
	if claims.Subject == "" {
		return AccessClaims{}, ErrTokenMalformed.WithCause(errMissingIdentity)
	}
	return claims, nil
}
