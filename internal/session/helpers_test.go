package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
)

var (
	testStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	tokenSeq  atomic.Int64
)

func makeAccess(t *testing.T, subject string, exp time.Time) string {
	t.Helper()

	claims := jwtverify.AccessClaims{
		Email: subject + "@clinic.test",
		Name:  "Test " + subject,
		Role:  "patient",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        strconv.FormatInt(tokenSeq.Add(1), 10),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("client-side-test-key-not-secret!"))
	require.NoError(t, err)
	return signed
}

type fakeAPI struct {
	mu           sync.Mutex
	refreshCalls int
	refreshed    []string
	logouts      []string
	refreshFunc  func(ctx context.Context, refreshToken string) (TokenPair, error)
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.refreshed = append(f.refreshed, refreshToken)
	fn := f.refreshFunc
	f.mu.Unlock()

	if fn == nil {
		return TokenPair{}, &APIError{Status: 401}
	}
	return fn(ctx, refreshToken)
}

func (f *fakeAPI) Logout(_ context.Context, refreshToken string) error {
	f.mu.Lock()
	f.logouts = append(f.logouts, refreshToken)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeAPI) logoutTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logouts...)
}
