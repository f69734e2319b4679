package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	commoncrypto "github.com/AlibekovAA/clinic-auth/internal/common/crypto"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

// TokenIssuer signs access tokens with the current key of an immutable key
// set. It holds no per-token state.
type TokenIssuer struct {
	keys           jwtverify.KeySet
	idGenerator    commoncrypto.IDGenerator
	clock          clock.Clock
	accessTokenTTL time.Duration
	issuer         string
}

func NewTokenIssuer(
	keys jwtverify.KeySet,
	idGenerator commoncrypto.IDGenerator,
	accessTokenTTL time.Duration,
	issuer string,
	clock clock.Clock,
) *TokenIssuer {
	return &TokenIssuer{
		keys:           keys,
		idGenerator:    idGenerator,
		clock:          clock,
		accessTokenTTL: accessTokenTTL,
		issuer:         issuer,
	}
}

func (ti *TokenIssuer) AccessTokenTTL() time.Duration {
	return ti.accessTokenTTL
}

// IssueAccessToken returns the signed token and the claims it carries.
func (ti *TokenIssuer) IssueAccessToken(p principal.Principal) (string, jwtverify.AccessClaims, error) {
	jti, err := ti.idGenerator.NewID()
	if err != nil {
		return "", jwtverify.AccessClaims{}, err
	}

	now := ti.clock.Now().Truncate(time.Second)
	claims := jwtverify.AccessClaims{
		Email: p.Email,
		Name:  p.Name,
		Role:  string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    ti.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.accessTokenTTL)),
		},
	}

	tokenString, err := ti.keys.Sign(claims)
	if err != nil {
		return "", jwtverify.AccessClaims{}, jwtverify.ErrSigningKeyUnavailable.WithCause(err)
	}

	incrementAccessTokensIssued()
	return tokenString, claims, nil
}
