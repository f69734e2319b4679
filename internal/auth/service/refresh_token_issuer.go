package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	authrepo "github.com/AlibekovAA/clinic-auth/internal/auth/repository"
	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
	commoncrypto "github.com/AlibekovAA/clinic-auth/internal/common/crypto"
	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/common/resilience"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

type RefreshTokenIssuerInterface interface {
	IssueRefreshToken(ctx context.Context, p principal.Principal, familyID string) (authdomain.RefreshToken, error)
	NewRecord() (authdomain.RefreshToken, error)
}

// RefreshTokenIssuer mints opaque refresh tokens and persists their hashes.
// It enforces the per-owner cap before every new login chain.
type RefreshTokenIssuer struct {
	store            authrepo.RefreshTokenStore
	storeBreaker     resilience.CircuitBreakerInterface
	idGenerator      commoncrypto.IDGenerator
	clock            clock.Clock
	maxRefreshTokens int
	refreshTokenTTL  time.Duration
	log              *logger.Logger
}

func NewRefreshTokenIssuer(
	store authrepo.RefreshTokenStore,
	storeBreaker resilience.CircuitBreakerInterface,
	idGenerator commoncrypto.IDGenerator,
	refreshTokenTTL time.Duration,
	maxRefreshTokens int,
	clock clock.Clock,
	log *logger.Logger,
) *RefreshTokenIssuer {
	return &RefreshTokenIssuer{
		store:            store,
		storeBreaker:     storeBreaker,
		idGenerator:      idGenerator,
		clock:            clock,
		maxRefreshTokens: maxRefreshTokens,
		refreshTokenTTL:  refreshTokenTTL,
		log:              log,
	}
}

// NewRecord builds an unsaved token with a fresh raw value, id and expiry.
// Owner and family are left for the caller or the store to fill.
func (rti *RefreshTokenIssuer) NewRecord() (authdomain.RefreshToken, error) {
	rawToken, err := GenerateRefreshToken()
	if err != nil {
		return authdomain.RefreshToken{}, err
	}

	id, err := rti.idGenerator.NewID()
	if err != nil {
		return authdomain.RefreshToken{}, err
	}

	now := rti.clock.Now()
	return authdomain.RefreshToken{
		ID:        id,
		TokenHash: HashRefreshToken(rawToken),
		ExpiresAt: now.Add(rti.refreshTokenTTL),
		CreatedAt: now,
		RawToken:  rawToken,
	}, nil
}

func (rti *RefreshTokenIssuer) revokeExcess(ctx context.Context, p principal.Principal) error {
	keep := rti.maxRefreshTokens - 1
	var revoked int64
	err := rti.storeBreaker.Call(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = rti.store.RevokeExcessByOwner(ctx, p.ID, ownerKind(p), keep, rti.clock.Now())
		return err
	})
	if err != nil {
		if errors.Is(err, commonerrors.ErrCircuitOpen) {
			rti.log.WithFields(ctx, logger.Fields{
				"user_id": p.ID,
				"action":  "revoke_excess_refresh_tokens_circuit_open",
			}).Error("failed to revoke excess refresh tokens: store circuit breaker is open")
			return err
		}
		rti.log.WithFields(ctx, logger.Fields{
			"user_id": p.ID,
			"action":  "revoke_excess_refresh_tokens_failed",
		}).Warnf("failed to revoke excess refresh tokens: %v", err)
		return err
	}

	if revoked > 0 {
		addRefreshTokensRevoked(revoked)
		rti.log.WithFields(ctx, logger.Fields{
			"user_id": p.ID,
			"revoked": revoked,
			"action":  "refresh_tokens_capped",
		}).Info("revoked oldest refresh tokens over the per-user cap")
	}
	return nil
}

// IssueRefreshToken starts or continues family familyID for p. The returned
// record is the only place the raw value appears.
func (rti *RefreshTokenIssuer) IssueRefreshToken(ctx context.Context, p principal.Principal, familyID string) (authdomain.RefreshToken, error) {
	if err := rti.revokeExcess(ctx, p); err != nil {
		return authdomain.RefreshToken{}, err
	}

	record, err := rti.NewRecord()
	if err != nil {
		return authdomain.RefreshToken{}, err
	}
	record.UserID = p.ID
	record.Role = string(p.Role)
	record.FamilyID = familyID

	stored := record
	stored.RawToken = ""
	err = rti.storeBreaker.Call(ctx, func(ctx context.Context) error {
		return rti.store.Create(ctx, stored)
	})
	if err != nil {
		if errors.Is(err, commonerrors.ErrCircuitOpen) {
			rti.log.WithFields(ctx, logger.Fields{
				"user_id": p.ID,
				"action":  "create_refresh_token_circuit_open",
			}).Error("failed to create refresh token: store circuit breaker is open")
		}
		return authdomain.RefreshToken{}, err
	}

	incrementRefreshTokensIssued()
	return record, nil
}

func GenerateRefreshToken() (string, error) {
	b := make([]byte, constants.RefreshTokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func ownerKind(p principal.Principal) string {
	if p.Kind != "" {
		return string(p.Kind)
	}
	return authrepo.OwnerKind(string(p.Role))
}
