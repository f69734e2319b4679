package constants

import "time"

const (
	PasswordMinLength  = 8
	PasswordMaxLength  = 72
	EmailMaxLength     = 254
	JWTSecretMinLength = 32
	RefreshTokenSize   = 32

	DefaultMaxRequestSize = 1 << 20

	DBPoolMaxConns        = 25
	DBPoolMinConns        = 5
	DBPoolConnMaxLifetime = time.Hour
	DBPoolConnMaxIdleTime = 30 * time.Minute
	DBPoolHealthCheck     = 1 * time.Minute
	DBPoolConnectTimeout  = 5 * time.Second
	DBPoolMaxAttempts     = 10
	DBPoolRetryDelay      = 1 * time.Second
	DBPoolMetricsInterval = 30 * time.Second
	DBQueryTimeout        = 30 * time.Second

	ServerReadHeaderTimeout = 5 * time.Second
	ServerReadTimeout       = 10 * time.Second
	ServerWriteTimeout      = 15 * time.Second
	ServerIdleTimeout       = 60 * time.Second
	ServerWriteSlack        = 5 * time.Second
	ServerMaxHeaderBytes    = 16 << 10

	ShutdownTimeout = 30 * time.Second
	DrainTimeout    = 10 * time.Second

	DefaultAuthHTTPPort = "8081"

	DefaultCircuitBreakerThreshold = 500
	DefaultCircuitBreakerTimeout   = 15 * time.Second
	DefaultCircuitBreakerReset     = 10 * time.Second

	DefaultAuthRequestTimeout      = 5 * time.Second
	DefaultAccessTokenTTL          = time.Hour
	DefaultRefreshTokenTTL         = 14 * 24 * time.Hour
	DefaultMaxRefreshTokensPerUser = 5
	DefaultJWTIssuer               = "clinic-auth"
	DefaultJWTKeyID                = "primary"
	RefreshTokenCleanupInterval    = time.Hour

	DefaultSessionRenewSkew      = 5 * time.Second
	DefaultSessionRefreshTimeout = 5 * time.Second
	DefaultSessionWatchInterval  = time.Second
	DefaultSessionServerURL      = "http://localhost:8081"
	DefaultSessionDBPath         = "session.db"
	SessionClaimPollInterval     = 20 * time.Millisecond

	RateLimitCleanupInterval          = 5 * time.Minute
	RateLimitLoginRequestsPerSecond   = 0.2
	RateLimitLoginBurst               = 5
	RateLimitRefreshRequestsPerSecond = 1
	RateLimitRefreshBurst             = 10
	RateLimitLogoutRequestsPerSecond  = 1
	RateLimitLogoutBurst              = 10
	RateLimitGeneralRequestsPerSecond = 10
	RateLimitGeneralBurst             = 50

	LoggerMaxSize    = 100
	LoggerMaxBackups = 3
	LoggerMaxAge     = 28
	DefaultLogDir    = "/var/log/clinic-auth"
)

type TraceIDKeyType string

const TraceIDKey TraceIDKeyType = "trace_id"
