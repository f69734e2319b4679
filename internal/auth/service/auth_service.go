package service

import (
	"context"
	"errors"
	"time"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	authrepo "github.com/AlibekovAA/clinic-auth/internal/auth/repository"
	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	"github.com/AlibekovAA/clinic-auth/internal/common/config"
	commoncrypto "github.com/AlibekovAA/clinic-auth/internal/common/crypto"
	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/common/resilience"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

type AuthServiceDeps struct {
	Principals  principal.Repository
	Store       authrepo.RefreshTokenStore
	Verifier    commoncrypto.CredentialVerifier
	IDGenerator commoncrypto.IDGenerator
	Keys        jwtverify.KeySet
	Clock       clock.Clock
	Audit       AuditSink
	Log         *logger.Logger
}

type AuthServiceConfig struct {
	Issuer                  string
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	MaxRefreshTokens        int
	ReusePolicy             string
	CircuitBreakerThreshold int32
	CircuitBreakerTimeout   time.Duration
	CircuitBreakerReset     time.Duration
}

type AuthService struct {
	principals    principal.Repository
	store         authrepo.RefreshTokenStore
	verifier      commoncrypto.CredentialVerifier
	idGenerator   commoncrypto.IDGenerator
	tokenIssuer   *TokenIssuer
	refreshIssuer RefreshTokenIssuerInterface
	dbBreaker     resilience.CircuitBreakerInterface
	storeBreaker  resilience.CircuitBreakerInterface
	clock         clock.Clock
	audit         AuditSink
	reusePolicy   string
	log           *logger.Logger
}

func NewAuthService(deps AuthServiceDeps, cfg AuthServiceConfig) *AuthService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	audit := deps.Audit
	if audit == nil {
		audit = noopAuditSink{}
	}
	reusePolicy := cfg.ReusePolicy
	if reusePolicy == "" {
		reusePolicy = config.ReusePolicyRevokeFamily
	}

	dbBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Threshold:  cfg.CircuitBreakerThreshold,
		Timeout:    cfg.CircuitBreakerTimeout,
		ResetAfter: cfg.CircuitBreakerReset,
		Name:       "auth_principals",
		Logger:     deps.Log,
	})
	storeBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Threshold:  cfg.CircuitBreakerThreshold,
		Timeout:    cfg.CircuitBreakerTimeout,
		ResetAfter: cfg.CircuitBreakerReset,
		Name:       "auth_refresh_store",
		IsFailure:  isStoreFailure,
		Logger:     deps.Log,
	})

	return &AuthService{
		principals:  deps.Principals,
		store:       deps.Store,
		verifier:    deps.Verifier,
		idGenerator: deps.IDGenerator,
		tokenIssuer: NewTokenIssuer(deps.Keys, deps.IDGenerator, cfg.AccessTokenTTL, cfg.Issuer, clk),
		refreshIssuer: NewRefreshTokenIssuer(
			deps.Store,
			storeBreaker,
			deps.IDGenerator,
			cfg.RefreshTokenTTL,
			cfg.MaxRefreshTokens,
			clk,
			deps.Log,
		),
		dbBreaker:    dbBreaker,
		storeBreaker: storeBreaker,
		clock:        clk,
		audit:        audit,
		reusePolicy:  reusePolicy,
		log:          deps.Log,
	}
}

// Store outcomes that describe the token rather than the backend do not trip
// the breaker.
func isStoreFailure(err error) bool {
	if commonerrors.IsDomainError(err) {
		return false
	}
	return !errorsIsAny(err,
		authrepo.ErrRefreshTokenNotFound,
		authrepo.ErrRefreshTokenExpired,
		authrepo.ErrRefreshTokenReused,
	)
}

type LoginInput struct {
	Email    string
	Password string
	ClientIP string
}

type AuthResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	ExpiresIn        time.Duration
	RefreshToken     string
	RefreshExpiresAt time.Time
	Principal        principal.Principal
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	s.log.WithFields(ctx, logger.Fields{
		"client_ip": input.ClientIP,
		"action":    "login_attempt",
	}).Debug("login attempt")

	var p principal.Principal
	err := s.dbBreaker.Call(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.principals.FindByEmail(ctx, input.Email)
		return err
	})
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			s.verifier.Verify(input.Password, commoncrypto.DummyHash())
			incrementLoginAttempt(loginResultInvalid)
			s.log.WithFields(ctx, logger.Fields{
				"client_ip": input.ClientIP,
				"action":    "login_failed",
			}).Info("login failed: invalid credentials")
			return AuthResult{}, ErrInvalidCredentials
		}
		if errors.Is(err, commonerrors.ErrCircuitOpen) {
			incrementLoginAttempt(loginResultUnavailable)
			s.log.WithFields(ctx, logger.Fields{
				"action": "login_circuit_open",
			}).Error("login failed: principal store circuit breaker is open")
			return AuthResult{}, ErrServiceUnavailable.WithCause(err)
		}
		incrementLoginAttempt(loginResultInternalFail)
		s.log.WithFields(ctx, logger.Fields{
			"action": "login_lookup_failed",
		}).Errorf("login failed: principal lookup error: %v", err)
		return AuthResult{}, commonerrors.ErrInternalError.WithCause(err)
	}

	if !s.verifier.Verify(input.Password, p.PasswordHash) {
		incrementLoginAttempt(loginResultInvalid)
		s.log.WithFields(ctx, logger.Fields{
			"user_id":   p.ID,
			"client_ip": input.ClientIP,
			"action":    "login_failed",
		}).Info("login failed: invalid credentials")
		return AuthResult{}, ErrInvalidCredentials
	}

	familyID, err := s.idGenerator.NewID()
	if err != nil {
		incrementLoginAttempt(loginResultInternalFail)
		return AuthResult{}, commonerrors.ErrInternalError.WithCause(err)
	}

	refresh, err := s.refreshIssuer.IssueRefreshToken(ctx, p, familyID)
	if err != nil {
		incrementLoginAttempt(loginResultInternalFail)
		s.log.WithFields(ctx, logger.Fields{
			"user_id": p.ID,
			"action":  "login_refresh_issue_failed",
		}).Errorf("login failed: refresh token error: %v", err)
		return AuthResult{}, s.wrapStoreError(err)
	}

	result, err := s.completeResult(p, refresh)
	if err != nil {
		incrementLoginAttempt(loginResultInternalFail)
		s.log.WithFields(ctx, logger.Fields{
			"user_id": p.ID,
			"action":  "login_access_issue_failed",
		}).Errorf("login failed: access token error: %v", err)
		return AuthResult{}, err
	}

	incrementLoginAttempt(loginResultSuccess)
	s.log.WithFields(ctx, logger.Fields{
		"user_id": p.ID,
		"role":    p.Role,
		"action":  "login_success",
	}).Info("login successful")

	return result, nil
}

// Refresh redeems refreshToken exactly once and returns a new pair. The old
// value is dead afterwards whatever happens next.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, clientIP string) (AuthResult, error) {
	if refreshToken == "" {
		return AuthResult{}, ErrInvalidRefreshToken
	}

	next, err := s.refreshIssuer.NewRecord()
	if err != nil {
		return AuthResult{}, commonerrors.ErrInternalError.WithCause(err)
	}

	hash := HashRefreshToken(refreshToken)
	var rotated authdomain.RefreshToken
	err = s.storeBreaker.Call(ctx, func(ctx context.Context) error {
		var err error
		rotated, err = s.store.Rotate(ctx, hash, next, s.clock.Now())
		return err
	})
	if err != nil {
		return AuthResult{}, s.handleRotateError(ctx, err, clientIP)
	}
	incrementRefreshTokensUsed()
	incrementRefreshTokensIssued()

	var p principal.Principal
	err = s.dbBreaker.Call(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.principals.FindByID(ctx, rotated.UserID, principal.Role(rotated.Role))
		return err
	})
	if err != nil {
		if errorsIsAny(err, principal.ErrNotFound, principal.ErrUnknownRole) {
			s.log.WithFields(ctx, logger.Fields{
				"user_id":   rotated.UserID,
				"family_id": rotated.FamilyID,
				"action":    "refresh_principal_gone",
			}).Warn("refresh rejected: principal no longer exists")
			s.revokeFamily(ctx, rotated.FamilyID)
			return AuthResult{}, ErrInvalidRefreshToken
		}
		s.log.WithFields(ctx, logger.Fields{
			"user_id": rotated.UserID,
			"action":  "refresh_principal_lookup_failed",
		}).Errorf("refresh failed: principal lookup error: %v", err)
		return AuthResult{}, s.wrapStoreError(err)
	}

	rotated.RawToken = next.RawToken
	result, err := s.completeResult(p, rotated)
	if err != nil {
		return AuthResult{}, err
	}

	s.log.WithFields(ctx, logger.Fields{
		"user_id":   p.ID,
		"family_id": rotated.FamilyID,
		"action":    "refresh_success",
	}).Debug("refresh token rotated")

	return result, nil
}

func (s *AuthService) handleRotateError(ctx context.Context, err error, clientIP string) error {
	var reused *authrepo.ReusedTokenError
	switch {
	case errors.As(err, &reused):
		s.handleReuse(ctx, reused, clientIP)
	case errors.Is(err, authrepo.ErrRefreshTokenExpired):
		incrementRefreshTokensExpired()
		s.log.WithFields(ctx, logger.Fields{
			"client_ip": clientIP,
			"action":    "refresh_token_expired",
		}).Info("refresh rejected: token expired")
	case errors.Is(err, authrepo.ErrRefreshTokenNotFound):
		s.log.WithFields(ctx, logger.Fields{
			"client_ip": clientIP,
			"action":    "refresh_token_unknown",
		}).Info("refresh rejected: unknown token")
	default:
		s.log.WithFields(ctx, logger.Fields{
			"action": "refresh_rotate_failed",
		}).Errorf("refresh failed: store error: %v", err)
		return s.wrapStoreError(err)
	}
	return mapRotateError(err)
}

// handleReuse treats a second redemption as a stolen chain.
func (s *AuthService) handleReuse(ctx context.Context, reused *authrepo.ReusedTokenError, clientIP string) {
	incrementRefreshTokensReused()
	s.log.WithFields(ctx, logger.Fields{
		"user_id":   reused.UserID,
		"role":      reused.Role,
		"family_id": reused.FamilyID,
		"client_ip": clientIP,
		"policy":    s.reusePolicy,
		"action":    "refresh_token_reuse_detected",
	}).Warn("revoked refresh token presented again")

	var revoked int64
	if s.reusePolicy == config.ReusePolicyRevokeFamily {
		revoked = s.revokeFamily(ctx, reused.FamilyID)
	}

	s.audit.Record(ctx, AuditEvent{
		Type:     AuditRefreshTokenReused,
		UserID:   reused.UserID,
		Role:     reused.Role,
		FamilyID: reused.FamilyID,
		ClientIP: clientIP,
		Revoked:  revoked,
		At:       s.clock.Now(),
	})
}

func (s *AuthService) revokeFamily(ctx context.Context, familyID string) int64 {
	var revoked int64
	err := s.storeBreaker.Call(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = s.store.RevokeFamily(ctx, familyID, s.clock.Now())
		return err
	})
	if err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"family_id": familyID,
			"action":    "revoke_family_failed",
		}).Errorf("failed to revoke refresh token family: %v", err)
		return 0
	}
	addRefreshTokensRevoked(revoked)
	return revoked
}

// Logout revokes one refresh token. Unknown or already revoked tokens are
// not an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	err := s.storeBreaker.Call(ctx, func(ctx context.Context) error {
		return s.store.Revoke(ctx, HashRefreshToken(refreshToken), s.clock.Now())
	})
	if err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"action": "logout_failed",
		}).Warnf("logout failed: %v", err)
		return s.wrapStoreError(err)
	}

	s.log.WithFields(ctx, logger.Fields{
		"action": "logout",
	}).Debug("refresh token revoked")
	return nil
}

// LogoutAll ends every session of the caller named by an access token.
func (s *AuthService) LogoutAll(ctx context.Context, claims jwtverify.AccessClaims, clientIP string) (int64, error) {
	kind, ok := principal.KindForRole(principal.Role(claims.Role))
	if !ok {
		return 0, principal.ErrUnknownRole
	}
	return s.revokeAllByOwner(ctx, claims.Subject, claims.Role, string(kind), clientIP, AuditLogoutAll)
}

// RevokeAllForPrincipal is called after a password change or an admin
// suspension.
func (s *AuthService) RevokeAllForPrincipal(ctx context.Context, p principal.Principal) (int64, error) {
	return s.revokeAllByOwner(ctx, p.ID, string(p.Role), ownerKind(p), "", AuditSessionsRevoked)
}

func (s *AuthService) revokeAllByOwner(ctx context.Context, userID, role, kind, clientIP string, event AuditEventType) (int64, error) {
	var revoked int64
	err := s.storeBreaker.Call(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = s.store.RevokeAllByOwner(ctx, userID, kind, s.clock.Now())
		return err
	})
	if err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"user_id": userID,
			"action":  "revoke_all_failed",
		}).Errorf("failed to revoke refresh tokens: %v", err)
		return 0, s.wrapStoreError(err)
	}

	addRefreshTokensRevoked(revoked)
	s.log.WithFields(ctx, logger.Fields{
		"user_id": userID,
		"role":    role,
		"kind":    kind,
		"revoked": revoked,
		"action":  string(event),
	}).Info("revoked all refresh tokens")

	s.audit.Record(ctx, AuditEvent{
		Type:     event,
		UserID:   userID,
		Role:     role,
		ClientIP: clientIP,
		Revoked:  revoked,
		At:       s.clock.Now(),
	})
	return revoked, nil
}

func (s *AuthService) completeResult(p principal.Principal, refresh authdomain.RefreshToken) (AuthResult, error) {
	accessToken, claims, err := s.tokenIssuer.IssueAccessToken(p)
	if err != nil {
		return AuthResult{}, err
	}

	return AuthResult{
		AccessToken:      accessToken,
		AccessExpiresAt:  claims.ExpiresAtTime(),
		ExpiresIn:        s.tokenIssuer.AccessTokenTTL(),
		RefreshToken:     refresh.RawToken,
		RefreshExpiresAt: refresh.ExpiresAt,
		Principal:        p,
	}, nil
}

func (s *AuthService) wrapStoreError(err error) error {
	err = handleCircuitBreakerError(err)
	if commonerrors.IsDomainError(err) {
		return err
	}
	return commonerrors.ErrInternalError.WithCause(err)
}

// Ready reports whether the refresh store answers.
func (s *AuthService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
