package jwtverify

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
)

// KeySet is the immutable set of HMAC keys known to the process. Tokens are
// signed with the current key only; every key in the set verifies.
type KeySet struct {
	currentKID string
	keys       map[string][]byte
}

func NewKeySet(currentKID string, current []byte, verifyOnly map[string][]byte) (KeySet, error) {
	if currentKID == "" {
		return KeySet{}, ErrSigningKeyUnavailable.WithCause(fmt.Errorf("empty key id"))
	}
	if len(current) < constants.JWTSecretMinLength {
		return KeySet{}, ErrSigningKeyUnavailable.WithCause(
			fmt.Errorf("key %q is %d bytes, need at least %d", currentKID, len(current), constants.JWTSecretMinLength),
		)
	}

	keys := make(map[string][]byte, len(verifyOnly)+1)
	for kid, key := range verifyOnly {
		if len(key) < constants.JWTSecretMinLength {
			return KeySet{}, ErrSigningKeyUnavailable.WithCause(fmt.Errorf("verification key %q is too short", kid))
		}
		keys[kid] = append([]byte(nil), key...)
	}
	keys[currentKID] = append([]byte(nil), current...)

	return KeySet{currentKID: currentKID, keys: keys}, nil
}

func (k KeySet) CurrentKID() string {
	return k.currentKID
}

func (k KeySet) Lookup(kid string) ([]byte, bool) {
	key, ok := k.keys[kid]
	return key, ok
}

func (k KeySet) Sign(claims jwt.Claims) (string, error) {
	key, ok := k.keys[k.currentKID]
	if !ok {
		return "", ErrSigningKeyUnavailable
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = k.currentKID
	return t.SignedString(key)
}
