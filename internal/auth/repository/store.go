package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	"github.com/AlibekovAA/clinic-auth/internal/observability/metrics"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

// RefreshTokenStore persists refresh token records by hash. Rotate is the
// only way to redeem a token and must be atomic: of any number of concurrent
// calls for one hash, at most one succeeds.
type RefreshTokenStore interface {
	Create(ctx context.Context, token authdomain.RefreshToken) error
	// Rotate revokes the token stored under oldHash and stores next in its
	// place. next inherits owner and family from the old record; the
	// completed record is returned.
	Rotate(ctx context.Context, oldHash string, next authdomain.RefreshToken, now time.Time) (authdomain.RefreshToken, error)
	Revoke(ctx context.Context, hash string, now time.Time) error
	// Owners are (user, kind): a doctor promoted to admin keeps one owner.
	RevokeAllByOwner(ctx context.Context, userID, kind string, now time.Time) (int64, error)
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error)
	// RevokeExcessByOwner keeps the newest keep active tokens of the owner
	// and revokes the rest.
	RevokeExcessByOwner(ctx context.Context, userID, kind string, keep int, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrRefreshTokenReused   = errors.New("refresh token already used")
)

// ReusedTokenError is returned by Rotate when the presented token was
// already revoked. It names the chain so the caller can revoke it.
type ReusedTokenError struct {
	UserID   string
	Role     string
	FamilyID string
}

func (e *ReusedTokenError) Error() string {
	return fmt.Sprintf("%v: family %s", ErrRefreshTokenReused, e.FamilyID)
}

func (e *ReusedTokenError) Is(target error) bool {
	return target == ErrRefreshTokenReused
}

// OwnerKind maps a record role to the owner kind that indexes it. Unknown
// roles index under themselves.
func OwnerKind(role string) string {
	if kind, ok := principal.KindForRole(principal.Role(role)); ok {
		return string(kind)
	}
	return role
}

func ownerRoles(kind string) []string {
	roles := principal.RolesForKind(principal.Kind(kind))
	if len(roles) == 0 {
		return []string{kind}
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return names
}

func recordRotation(backend string, err error) {
	outcome := "rotated"
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshTokenReused):
		outcome = "reused"
	case errors.Is(err, ErrRefreshTokenExpired):
		outcome = "expired"
	case errors.Is(err, ErrRefreshTokenNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	metrics.RefreshStoreRotations.WithLabelValues(backend, outcome).Inc()
}
