package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failures of the auth API as clients see them. route is the normalized
// request path.
var (
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_http_errors_total",
			Help: "Auth API responses with an error status by status, route and method",
		},
		[]string{"status", "route", "method"},
	)

	DomainErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_domain_errors_total",
			Help: "Typed auth errors returned to clients by category, code and status",
		},
		[]string{"category", "code", "status"},
	)

	RateLimitBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rate_limited_total",
			Help: "Requests refused by a per-client limiter, by route and limiter",
		},
		[]string{"route", "limiter"},
	)
)
