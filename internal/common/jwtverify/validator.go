package jwtverify

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
	"github.com/AlibekovAA/clinic-auth/internal/observability/metrics"
)

// Validator checks signature and expiry. It performs no I/O.
type Validator struct {
	keys   KeySet
	issuer string
	clock  clock.Clock
}

func NewValidator(keys KeySet, issuer string, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Validator{keys: keys, issuer: issuer, clock: clk}
}

// Validate returns the claims of a token signed by a known key whose expiry
// is strictly after now. Errors are ErrTokenMalformed, ErrTokenExpired or
// ErrTokenBadSignature, with the library error as cause.
func (v *Validator) Validate(tokenString string) (AccessClaims, error) {
	metrics.JWTValidationsTotal.Inc()

	claims, err := v.parse(tokenString)
	if err != nil {
		mapped := classify(err)
		metrics.JWTValidationsFailed.WithLabelValues(mapped.Code()).Inc()
		return AccessClaims{}, mapped.WithCause(err)
	}
	return claims, nil
}

func (v *Validator) parse(tokenString string) (AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims AccessClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, opts...)
	if err != nil {
		return AccessClaims{}, err
	}
	if claims.Subject == "" || claims.Role == "" {
		return AccessClaims{}, errMissingIdentity
	}
	return claims, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keys.CurrentKID()
	}
	key, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownKeyID, kid)
	}
	return key, nil
}

var (
	errMissingIdentity = errors.New("token is missing subject or role")
	errUnknownKeyID    = errors.New("unknown key id")
)

func classify(err error) commonerrors.DomainError {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, errUnknownKeyID):
		return ErrTokenBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}
