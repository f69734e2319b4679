package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	authrepo "github.com/AlibekovAA/clinic-auth/internal/auth/repository"
	"github.com/AlibekovAA/clinic-auth/internal/auth/service"
	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	"github.com/AlibekovAA/clinic-auth/internal/common/config"
	commoncrypto "github.com/AlibekovAA/clinic-auth/internal/common/crypto"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

type redisEnv struct {
	svc       *service.AuthService
	store     *authrepo.RedisRefreshTokenStore
	clock     *clock.MockClock
	mr        *miniredis.Miniredis
	validator *jwtverify.Validator
	audit     *recordingAuditSink
}

func setupRedisAuthService(t *testing.T) *redisEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	mr.SetTime(testStart)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hasher := &commoncrypto.BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := hasher.Hash("s3cret-pass")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	patient := principal.Principal{
		ID:           "pat-42",
		Email:        "ada@clinic.test",
		Name:         "Ada Lovelace",
		Role:         principal.RolePatient,
		Kind:         principal.KindPatient,
		PasswordHash: hash,
	}
	repo := &mockPrincipalRepo{
		findByEmailFunc: func(ctx context.Context, email string) (principal.Principal, error) {
			if email == patient.Email {
				return patient, nil
			}
			return principal.Principal{}, principal.ErrNotFound
		},
		findByIDFunc: func(ctx context.Context, id string, role principal.Role) (principal.Principal, error) {
			if id == patient.ID && role == patient.Role {
				return patient, nil
			}
			return principal.Principal{}, principal.ErrNotFound
		},
	}

	keys, err := jwtverify.NewKeySet("k1", []byte(testSecret), nil)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}

	clk := clock.NewMockClock(testStart)
	store := authrepo.NewRedisRefreshTokenStore(client, "e2e:", logger.Discard())
	audit := &recordingAuditSink{}

	svc := service.NewAuthService(service.AuthServiceDeps{
		Principals:  repo,
		Store:       store,
		Verifier:    commoncrypto.NewHashVerifier(),
		IDGenerator: commoncrypto.NewUUIDGenerator(),
		Keys:        keys,
		Clock:       clk,
		Audit:       audit,
		Log:         logger.Discard(),
	}, service.AuthServiceConfig{
		Issuer:                  testIssuer,
		AccessTokenTTL:          testAccessTTL,
		RefreshTokenTTL:         14 * 24 * time.Hour,
		MaxRefreshTokens:        5,
		ReusePolicy:             config.ReusePolicyRevokeFamily,
		CircuitBreakerThreshold: 100,
		CircuitBreakerTimeout:   5 * time.Second,
		CircuitBreakerReset:     time.Minute,
	})

	return &redisEnv{
		svc:       svc,
		store:     store,
		clock:     clk,
		mr:        mr,
		validator: jwtverify.NewValidator(keys, testIssuer, clk),
		audit:     audit,
	}
}

func TestAuthFlow_LoginRefreshReuse(t *testing.T) {
	env := setupRedisAuthService(t)
	ctx := context.Background()

	login, err := env.svc.Login(ctx, service.LoginInput{Email: "ada@clinic.test", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := env.validator.Validate(login.AccessToken); err != nil {
		t.Fatalf("login access token invalid: %v", err)
	}

	env.clock.Advance(10 * time.Minute)
	env.mr.SetTime(env.clock.Now())

	refreshed, err := env.svc.Refresh(ctx, login.RefreshToken, "198.51.100.1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RefreshToken == login.RefreshToken {
		t.Fatal("rotation must produce a new refresh value")
	}
	claims, err := env.validator.Validate(refreshed.AccessToken)
	if err != nil {
		t.Fatalf("refreshed access token invalid: %v", err)
	}
	if claims.Subject != "pat-42" || claims.Role != "patient" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	_, err = env.svc.Refresh(ctx, login.RefreshToken, "203.0.113.66")
	if !errors.Is(err, service.ErrRefreshTokenReused) {
		t.Fatalf("expected reuse to be rejected, got %v", err)
	}

	_, err = env.svc.Refresh(ctx, refreshed.RefreshToken, "198.51.100.1")
	if !errors.Is(err, service.ErrRefreshTokenReused) {
		t.Fatalf("expected the whole family to be revoked after reuse, got %v", err)
	}

	events := env.audit.Events()
	if len(events) == 0 || events[0].Type != service.AuditRefreshTokenReused || events[0].UserID != "pat-42" {
		t.Errorf("unexpected audit events: %+v", events)
	}
}

func TestAuthFlow_WrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	env := setupRedisAuthService(t)
	ctx := context.Background()

	_, errWrong := env.svc.Login(ctx, service.LoginInput{Email: "ada@clinic.test", Password: "nope"})
	_, errUnknown := env.svc.Login(ctx, service.LoginInput{Email: "eve@clinic.test", Password: "nope"})

	if !errors.Is(errWrong, service.ErrInvalidCredentials) || !errors.Is(errUnknown, service.ErrInvalidCredentials) {
		t.Fatalf("expected both to be ErrInvalidCredentials, got %v / %v", errWrong, errUnknown)
	}
	if errWrong.Error() != errUnknown.Error() {
		t.Errorf("messages differ: %q vs %q", errWrong.Error(), errUnknown.Error())
	}
}

func TestAuthFlow_ConcurrentRefreshHasOneWinner(t *testing.T) {
	env := setupRedisAuthService(t)
	ctx := context.Background()

	login, err := env.svc.Login(ctx, service.LoginInput{Email: "ada@clinic.test", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Refresh(ctx, login.RefreshToken, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case service.IsRefreshRejection(err):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", successes)
	}
	if rejected != workers-1 {
		t.Errorf("expected %d rejections, got %d", workers-1, rejected)
	}
}

func TestAuthFlow_LogoutAllKillsEverySession(t *testing.T) {
	env := setupRedisAuthService(t)
	ctx := context.Background()

	first, err := env.svc.Login(ctx, service.LoginInput{Email: "ada@clinic.test", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := env.svc.Login(ctx, service.LoginInput{Email: "ada@clinic.test", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := env.validator.Validate(second.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	n, err := env.svc.LogoutAll(ctx, claims, "")
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 revoked, got %d", n)
	}

	for _, raw := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := env.svc.Refresh(ctx, raw, ""); !service.IsRefreshRejection(err) {
			t.Errorf("expected revoked token to be rejected, got %v", err)
		}
	}
}

func TestAuthFlow_PerUserCap(t *testing.T) {
	env := setupRedisAuthService(t)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 6; i++ {
		env.clock.Advance(time.Second)
		env.mr.SetTime(env.clock.Now())
		res, err := env.svc.Login(ctx, service.LoginInput{Email: "ada@clinic.test", Password: "s3cret-pass"})
		if err != nil {
			t.Fatalf("Login %d: %v", i, err)
		}
		tokens = append(tokens, res.RefreshToken)
	}

	if _, err := env.svc.Refresh(ctx, tokens[0], ""); !service.IsRefreshRejection(err) {
		t.Errorf("expected the oldest session to be evicted, got %v", err)
	}
	if _, err := env.svc.Refresh(ctx, tokens[5], ""); err != nil {
		t.Errorf("expected the newest session to survive, got %v", err)
	}
}
