package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	authcleanup "github.com/AlibekovAA/clinic-auth/internal/auth/cleanup"
	authhttp "github.com/AlibekovAA/clinic-auth/internal/auth/http"
	authrepo "github.com/AlibekovAA/clinic-auth/internal/auth/repository"
	"github.com/AlibekovAA/clinic-auth/internal/auth/repository/migrations"
	"github.com/AlibekovAA/clinic-auth/internal/auth/service"
	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	"github.com/AlibekovAA/clinic-auth/internal/common/config"
	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
	commoncrypto "github.com/AlibekovAA/clinic-auth/internal/common/crypto"
	"github.com/AlibekovAA/clinic-auth/internal/common/db"
	commonhttp "github.com/AlibekovAA/clinic-auth/internal/common/http"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	srv "github.com/AlibekovAA/clinic-auth/internal/common/server"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

const redisKeyPrefix = "clinic-auth:"

func main() {
	cfg, err := config.LoadAuthConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogDir, "auth", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("auth service: %v", err)
	}
}

func run(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) error {
	pool, err := db.NewPool(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	keys, err := jwtverify.NewKeySet(cfg.JWTKeyID, []byte(cfg.JWTSecret), cfg.JWTVerifyKeys)
	if err != nil {
		return fmt.Errorf("build key set: %w", err)
	}

	store, closeStore, err := openRefreshStore(ctx, cfg, pool, log)
	if err != nil {
		return err
	}
	defer closeStore()

	clk := clock.NewRealClock()
	authService := service.NewAuthService(service.AuthServiceDeps{
		Principals:  principal.NewPgRepository(pool),
		Store:       store,
		Verifier:    commoncrypto.NewHashVerifier(),
		IDGenerator: commoncrypto.NewUUIDGenerator(),
		Keys:        keys,
		Clock:       clk,
		Audit:       auditLog(log),
		Log:         log,
	}, service.AuthServiceConfig{
		Issuer:                  cfg.JWTIssuer,
		AccessTokenTTL:          cfg.AccessTokenTTL,
		RefreshTokenTTL:         cfg.RefreshTokenTTL,
		MaxRefreshTokens:        cfg.MaxRefreshTokensPerUser,
		ReusePolicy:             cfg.ReusePolicy,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
		CircuitBreakerReset:     cfg.CircuitBreakerReset,
	})

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go authcleanup.StartRefreshTokenCleanup(cleanupCtx, store, clk, constants.RefreshTokenCleanupInterval, log)

	limiter := commonhttp.NewStrictRateLimiter()
	authHandler := authhttp.NewHandler(authService, authhttp.Options{
		Validator:      jwtverify.NewValidator(keys, cfg.JWTIssuer, clk),
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/api/auth/", authHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", commonhttp.HealthHandler(log,
		commonhttp.HealthCheck{Name: "postgres", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
		commonhttp.HealthCheck{Name: "refresh_store", Check: authService.Ready},
	))

	server := srv.NewConfig(cfg.HTTPPort, cfg.RequestTimeout).NewServer(commonhttp.BuildBaseHandler("auth", log, mux))

	return srv.Run(ctx, server, log, "auth",
		func(context.Context) error {
			log.Infof("auth service: stopping cleanup and rate limiters")
			cancelCleanup()
			limiter.Stop()
			return nil
		},
	)
}

// openRefreshStore returns the configured store and a release func. The
// Postgres schema is migrated either way; principal tables live there too.
func openRefreshStore(ctx context.Context, cfg config.AuthConfig, pool *pgxpool.Pool, log *logger.Logger) (authrepo.RefreshTokenStore, func(), error) {
	if err := db.Migrate(ctx, log, pool, migrations.FS, "."); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	switch cfg.RefreshStore {
	case config.RefreshStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Infof("refresh tokens stored in redis at %s", cfg.RedisAddr)
		return authrepo.NewRedisRefreshTokenStore(client, redisKeyPrefix, log), func() { _ = client.Close() }, nil
	default:
		log.Infof("refresh tokens stored in postgres")
		return authrepo.NewPgRefreshTokenStore(pool, log), func() {}, nil
	}
}

func auditLog(log *logger.Logger) service.AuditSink {
	return service.AuditSinkFunc(func(ctx context.Context, e service.AuditEvent) {
		log.WithFields(ctx, logger.Fields{
			"audit":     string(e.Type),
			"user_id":   e.UserID,
			"role":      e.Role,
			"family_id": e.FamilyID,
			"client_ip": e.ClientIP,
			"revoked":   e.Revoked,
		}).Warn("security event")
	})
}
