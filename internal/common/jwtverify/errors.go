package jwtverify

import (
	"net/http"

	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
)

var (
	ErrTokenMalformed = commonerrors.NewDomainError(
		"TOKEN_MALFORMED",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"token is malformed",
	)

	ErrTokenExpired = commonerrors.NewDomainError(
		"TOKEN_EXPIRED",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"token has expired",
	)

	ErrTokenBadSignature = commonerrors.NewDomainError(
		"TOKEN_BAD_SIGNATURE",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"token signature is invalid",
	)

	ErrSigningKeyUnavailable = commonerrors.NewDomainError(
		"SIGNING_KEY_UNAVAILABLE",
		commonerrors.CategoryInternal,
		http.StatusInternalServerError,
		"signing key is unavailable",
	)
)
