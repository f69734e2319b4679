package service

import (
	"errors"

	authrepo "github.com/AlibekovAA/clinic-auth/internal/auth/repository"
	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
)

func handleCircuitBreakerError(err error) error {
	if errors.Is(err, commonerrors.ErrCircuitOpen) {
		return ErrServiceUnavailable.WithCause(err)
	}
	return err
}

// mapRotateError turns store outcomes into service errors. Unknown errors
// pass through for the caller to wrap.
func mapRotateError(err error) error {
	switch {
	case errors.Is(err, authrepo.ErrRefreshTokenNotFound):
		return ErrInvalidRefreshToken
	case errors.Is(err, authrepo.ErrRefreshTokenExpired):
		return ErrRefreshTokenExpired
	case errors.Is(err, authrepo.ErrRefreshTokenReused):
		return ErrRefreshTokenReused.WithCause(err)
	}
	return handleCircuitBreakerError(err)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
