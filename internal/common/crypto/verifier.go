package crypto

import (
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks a presented secret against a stored one-way hash.
// A wrong secret and an unreadable hash both yield false.
type CredentialVerifier interface {
	Verify(secret, storedHash string) bool
}

// HashVerifier accepts bcrypt ($2a$/$2b$/$2y$) and argon2id PHC hashes.
type HashVerifier struct{}

func NewHashVerifier() *HashVerifier {
	return &HashVerifier{}
}

func (v *HashVerifier) Verify(secret, storedHash string) bool {
	switch {
	case strings.HasPrefix(storedHash, argon2Prefix):
		ok, err := verifyArgon2(secret, storedHash)
		return err == nil && ok
	case strings.HasPrefix(storedHash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
	default:
		return false
	}
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// DummyHash is a valid bcrypt hash of a random-looking secret. Verifying
// against it costs the same as a real account check.
func DummyHash() string {
	dummyHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("clinic-auth-timing-equalizer"), bcryptCost)
		if err == nil {
			dummyHash = string(h)
		}
	})
	return dummyHash
}
