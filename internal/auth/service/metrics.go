package service

import (
	"github.com/AlibekovAA/clinic-auth/internal/observability/metrics"
)

const (
	loginResultSuccess      = "success"
	loginResultInvalid      = "invalid_credentials"
	loginResultUnavailable  = "unavailable"
	loginResultInternalFail = "error"
)

func incrementLoginAttempt(result string) {
	metrics.LoginAttempts.WithLabelValues(result).Inc()
}

func incrementAccessTokensIssued() {
	metrics.AccessTokensIssued.Inc()
}

func incrementRefreshTokensIssued() {
	metrics.RefreshTokensIssued.Inc()
}

func incrementRefreshTokensUsed() {
	metrics.RefreshTokensUsed.Inc()
}

func addRefreshTokensRevoked(n int64) {
	if n > 0 {
		metrics.RefreshTokensRevoked.Add(float64(n))
	}
}

func incrementRefreshTokensExpired() {
	metrics.RefreshTokensExpired.Inc()
}

func incrementRefreshTokensReused() {
	metrics.RefreshTokensReused.Inc()
}
