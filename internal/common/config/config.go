package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
)

const (
	RefreshStorePostgres = "postgres"
	RefreshStoreRedis    = "redis"

	ReusePolicyRevokeFamily = "revoke_family"
	ReusePolicyReject       = "reject"
)

type AuthConfig struct {
	HTTPPort       string
	DatabaseURL    string
	RequestTimeout time.Duration
	LogDir         string
	LogLevel       string

	JWTSecret     string
	JWTKeyID      string
	JWTVerifyKeys map[string][]byte
	JWTIssuer     string

	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	MaxRefreshTokensPerUser int
	ReusePolicy             string

	RefreshStore  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CircuitBreakerThreshold int32
	CircuitBreakerTimeout   time.Duration
	CircuitBreakerReset     time.Duration
}

type SessionConfig struct {
	ServerURL      string
	DBPath         string
	RenewSkew      time.Duration
	RefreshTimeout time.Duration
	WatchInterval  time.Duration
	LogLevel       string
}

func LoadAuthConfig() (AuthConfig, error) {
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return AuthConfig{}, err
	}

	if err := validateJWTSecret(jwtSecret); err != nil {
		return AuthConfig{}, err
	}

	verifyKeys, err := parseVerifyKeys(getEnv("JWT_VERIFY_KEYS", ""))
	if err != nil {
		return AuthConfig{}, err
	}

	store := strings.ToLower(getEnv("REFRESH_STORE", RefreshStorePostgres))
	if store != RefreshStorePostgres && store != RefreshStoreRedis {
		return AuthConfig{}, invalidValue("REFRESH_STORE", store)
	}

	// Postgres also backs principal lookup, so it is required regardless of
	// where refresh tokens live.
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return AuthConfig{}, err
	}

	redisAddr := getEnv("REDIS_ADDR", "")
	if store == RefreshStoreRedis && redisAddr == "" {
		return AuthConfig{}, commonerrors.ErrMissingRequiredEnv.WithCause(fmt.Errorf("REDIS_ADDR"))
	}

	policy := strings.ToLower(getEnv("REFRESH_REUSE_POLICY", ReusePolicyRevokeFamily))
	if policy != ReusePolicyRevokeFamily && policy != ReusePolicyReject {
		return AuthConfig{}, invalidValue("REFRESH_REUSE_POLICY", policy)
	}

	accessTTL := getDurationEnv("ACCESS_TOKEN_TTL", constants.DefaultAccessTokenTTL)
	refreshTTL := getDurationEnv("REFRESH_TOKEN_TTL", constants.DefaultRefreshTokenTTL)
	if accessTTL <= 0 {
		return AuthConfig{}, invalidValue("ACCESS_TOKEN_TTL", accessTTL.String())
	}
	if refreshTTL <= accessTTL {
		return AuthConfig{}, invalidValue("REFRESH_TOKEN_TTL", refreshTTL.String())
	}

	maxPerUser := getIntEnv("MAX_REFRESH_TOKENS_PER_USER", constants.DefaultMaxRefreshTokensPerUser)
	if maxPerUser < 1 {
		return AuthConfig{}, invalidValue("MAX_REFRESH_TOKENS_PER_USER", strconv.Itoa(maxPerUser))
	}

	return AuthConfig{
		HTTPPort:       getEnv("AUTH_HTTP_PORT", constants.DefaultAuthHTTPPort),
		DatabaseURL:    databaseURL,
		RequestTimeout: getDurationEnv("AUTH_REQUEST_TIMEOUT", constants.DefaultAuthRequestTimeout),
		LogDir:         getEnv("LOG_DIR", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		JWTSecret:     jwtSecret,
		JWTKeyID:      getEnv("JWT_KEY_ID", constants.DefaultJWTKeyID),
		JWTVerifyKeys: verifyKeys,
		JWTIssuer:     getEnv("JWT_ISSUER", constants.DefaultJWTIssuer),

		AccessTokenTTL:          accessTTL,
		RefreshTokenTTL:         refreshTTL,
		MaxRefreshTokensPerUser: maxPerUser,
		ReusePolicy:             policy,

		RefreshStore:  store,
		RedisAddr:     redisAddr,
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		CircuitBreakerThreshold: int32(getIntEnv("CB_THRESHOLD", constants.DefaultCircuitBreakerThreshold)),
		CircuitBreakerTimeout:   getDurationEnv("CB_TIMEOUT", constants.DefaultCircuitBreakerTimeout),
		CircuitBreakerReset:     getDurationEnv("CB_RESET_AFTER", constants.DefaultCircuitBreakerReset),
	}, nil
}

func LoadSessionConfig() (SessionConfig, error) {
	serverURL := strings.TrimRight(getEnv("SESSION_SERVER_URL", constants.DefaultSessionServerURL), "/")
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return SessionConfig{}, invalidValue("SESSION_SERVER_URL", serverURL)
	}

	skew := getDurationEnv("SESSION_RENEW_SKEW", constants.DefaultSessionRenewSkew)
	if skew < 0 {
		return SessionConfig{}, invalidValue("SESSION_RENEW_SKEW", skew.String())
	}

	return SessionConfig{
		ServerURL:      serverURL,
		DBPath:         getEnv("SESSION_DB_PATH", constants.DefaultSessionDBPath),
		RenewSkew:      skew,
		RefreshTimeout: getDurationEnv("SESSION_REFRESH_TIMEOUT", constants.DefaultSessionRefreshTimeout),
		WatchInterval:  getDurationEnv("SESSION_WATCH_INTERVAL", constants.DefaultSessionWatchInterval),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}, nil
}

// parseVerifyKeys reads "kid:secret,kid2:secret2". Secret length is checked
// when the key set is built.
func parseVerifyKeys(raw string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		kid, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || kid == "" || secret == "" {
			return nil, invalidValue("JWT_VERIFY_KEYS", kid)
		}
		keys[kid] = []byte(secret)
	}
	return keys, nil
}

func validateJWTSecret(secret string) error {
	if len(secret) < constants.JWTSecretMinLength {
		return commonerrors.ErrInvalidJWTSecret.WithCause(fmt.Errorf("got %d bytes", len(secret)))
	}
	return nil
}

func invalidValue(key, value string) error {
	return commonerrors.ErrInvalidConfigValue.WithCause(fmt.Errorf("%s=%q", key, value))
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func mustEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", commonerrors.ErrMissingRequiredEnv.WithCause(fmt.Errorf("%s", key))
	}
	return v, nil
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getIntEnv(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
