package service

import (
	"net/http"

	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
)

var (
	ErrInvalidCredentials = commonerrors.NewDomainError(
		"INVALID_CREDENTIALS",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"invalid email or password",
	)

	ErrInvalidRefreshToken = commonerrors.NewDomainError(
		"INVALID_REFRESH_TOKEN",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"invalid refresh token",
	)

	ErrRefreshTokenExpired = commonerrors.NewDomainError(
		"REFRESH_TOKEN_EXPIRED",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"refresh token expired",
	)

	ErrRefreshTokenReused = commonerrors.NewDomainError(
		"REFRESH_TOKEN_REUSED",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"refresh token already used",
	)

	ErrServiceUnavailable = commonerrors.NewDomainError(
		"SERVICE_UNAVAILABLE",
		commonerrors.CategoryExternal,
		http.StatusServiceUnavailable,
		"service temporarily unavailable",
	)
)

// IsRefreshRejection reports whether err is one of the refresh outcomes that
// the HTTP boundary collapses into a single generic 401.
func IsRefreshRejection(err error) bool {
	return errorsIsAny(err, ErrInvalidRefreshToken, ErrRefreshTokenExpired, ErrRefreshTokenReused)
}
