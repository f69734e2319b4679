package repository

import (
	"context"
	"errors"
	"time"

	pgx "github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	"github.com/AlibekovAA/clinic-auth/internal/common/db"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
)

type PgRefreshTokenStore struct {
	pool  *pgxpool.Pool
	txMgr *db.TxManager
	retry db.RetryConfig
	log   *logger.Logger
}

func NewPgRefreshTokenStore(pool *pgxpool.Pool, log *logger.Logger) *PgRefreshTokenStore {
	return &PgRefreshTokenStore{
		pool:  pool,
		txMgr: db.NewTxManager(pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}),
		retry: db.DefaultRetryConfig,
		log:   log,
	}
}

func (s *PgRefreshTokenStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgRefreshTokenStore) Create(ctx context.Context, token authdomain.RefreshToken) error {
	start := time.Now()
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO refresh_tokens (id, token_hash, family_id, user_id, role, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.ID,
		token.TokenHash,
		token.FamilyID,
		token.UserID,
		token.Role,
		token.ExpiresAt,
		token.CreatedAt,
	)
	return db.HandleExecError(err, "create refresh token", start)
}

// Rotate claims the old row with a conditional UPDATE, so concurrent callers
// serialize on the row lock and only the first sees revoked_at IS NULL. A
// miss is classified with a follow-up read in the same transaction.
func (s *PgRefreshTokenStore) Rotate(ctx context.Context, oldHash string, next authdomain.RefreshToken, now time.Time) (authdomain.RefreshToken, error) {
	var rotated authdomain.RefreshToken

	err := db.RetryWithBackoff(ctx, s.log, s.retry, func() error {
		return s.txMgr.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			start := time.Now()
			var owner, role, family string
			err := tx.QueryRow(
				ctx,
				`UPDATE refresh_tokens
				    SET revoked_at = $2
				  WHERE token_hash = $1
				    AND revoked_at IS NULL
				    AND expires_at > $2
				 RETURNING user_id, role, family_id`,
				oldHash,
				now,
			).Scan(&owner, &role, &family)
			if errors.Is(err, pgx.ErrNoRows) {
				db.MeasureQueryDuration("claim refresh token", start)
				return classifyMiss(ctx, tx, oldHash, now)
			}
			if err := db.HandleQueryError(err, nil, "claim refresh token", start); err != nil {
				return err
			}

			rotated = next
			rotated.UserID = owner
			rotated.Role = role
			rotated.FamilyID = family

			start = time.Now()
			_, err = tx.Exec(
				ctx,
				`INSERT INTO refresh_tokens (id, token_hash, family_id, user_id, role, expires_at, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rotated.ID,
				rotated.TokenHash,
				rotated.FamilyID,
				rotated.UserID,
				rotated.Role,
				rotated.ExpiresAt,
				rotated.CreatedAt,
			)
			return db.HandleExecError(err, "insert rotated refresh token", start)
		})
	})
	recordRotation("postgres", err)
	if err != nil {
		return authdomain.RefreshToken{}, err
	}
	return rotated, nil
}

func classifyMiss(ctx context.Context, tx pgx.Tx, hash string, now time.Time) error {
	start := time.Now()
	var (
		owner, role, family string
		expiresAt           time.Time
		revokedAt           *time.Time
	)
	err := tx.QueryRow(
		ctx,
		`SELECT user_id, role, family_id, expires_at, revoked_at
		   FROM refresh_tokens
		  WHERE token_hash = $1`,
		hash,
	).Scan(&owner, &role, &family, &expiresAt, &revokedAt)
	if err := db.HandleQueryError(err, ErrRefreshTokenNotFound, "classify refresh token", start); err != nil {
		return err
	}

	if revokedAt != nil {
		return &ReusedTokenError{UserID: owner, Role: role, FamilyID: family}
	}
	if !now.Before(expiresAt) {
		return ErrRefreshTokenExpired
	}
	// Active and unexpired, yet the UPDATE missed: another writer changed
	// the row between the two statements.
	return ErrRefreshTokenNotFound
}

func (s *PgRefreshTokenStore) Revoke(ctx context.Context, hash string, now time.Time) error {
	start := time.Now()
	_, err := s.pool.Exec(
		ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL`,
		hash,
		now,
	)
	return db.HandleExecError(err, "revoke refresh token", start)
}

func (s *PgRefreshTokenStore) RevokeAllByOwner(ctx context.Context, userID, kind string, now time.Time) (int64, error) {
	start := time.Now()
	res, err := s.pool.Exec(
		ctx,
		`UPDATE refresh_tokens
		    SET revoked_at = $3
		  WHERE user_id = $1 AND role = ANY($2) AND revoked_at IS NULL`,
		userID,
		ownerRoles(kind),
		now,
	)
	if err := db.HandleExecError(err, "revoke owner refresh tokens", start); err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *PgRefreshTokenStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	start := time.Now()
	res, err := s.pool.Exec(
		ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE family_id = $1 AND revoked_at IS NULL`,
		familyID,
		now,
	)
	if err := db.HandleExecError(err, "revoke refresh token family", start); err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *PgRefreshTokenStore) RevokeExcessByOwner(ctx context.Context, userID, kind string, keep int, now time.Time) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	start := time.Now()
	res, err := s.pool.Exec(
		ctx,
		`UPDATE refresh_tokens
		    SET revoked_at = $4
		  WHERE id IN (
		        SELECT id
		          FROM refresh_tokens
		         WHERE user_id = $1 AND role = ANY($2)
		           AND revoked_at IS NULL AND expires_at > $4
		         ORDER BY created_at DESC, id DESC
		        OFFSET $3
		  )`,
		userID,
		ownerRoles(kind),
		keep,
		now,
	)
	if err := db.HandleExecError(err, "revoke excess refresh tokens", start); err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// DeleteExpired removes records past expiry. Revoked but unexpired rows
// stay so that replaying them is still recognised as reuse.
func (s *PgRefreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	start := time.Now()
	res, err := s.pool.Exec(
		ctx,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		now,
	)
	if err := db.HandleExecError(err, "delete expired refresh tokens", start); err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
