package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
)

// ErrRedisUnavailable wraps transport failures and malformed script replies.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReused   int64 = 2
	rotateStatusRotated  int64 = 3
)

// Record layout: a hash per token under rt:{hash} that expires with the
// token, a sorted set of hashes per owner (kind:user) scored by creation
// time, and a set of hashes per family. Index entries may outlive their
// records; every script skips and prunes such members.
const rotateScript = `
local old = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call("EXISTS", old) == 0 then
  return {0}
end
local f = redis.call("HMGET", old, "user_id", "role", "family_id", "expires_at", "revoked", "kind")
local user, role, family, kind = f[1], f[2], f[3], f[6]
if f[5] == "1" then
  return {2, user, role, family}
end
if tonumber(f[4]) <= now then
  return {1}
end
redis.call("HSET", old, "revoked", "1", "revoked_at", ARGV[1])

local nk = KEYS[2]
redis.call("HSET", nk,
  "id", ARGV[2], "user_id", user, "role", role, "kind", kind, "family_id", family,
  "expires_at", ARGV[4], "created_at", ARGV[5], "revoked", "0", "revoked_at", "0")
redis.call("PEXPIREAT", nk, ARGV[4])

local owner = ARGV[6] .. kind .. ":" .. user
redis.call("ZADD", owner, ARGV[5], ARGV[3])
redis.call("PEXPIREAT", owner, ARGV[4])

local fam = ARGV[7] .. family
redis.call("SADD", fam, ARGV[3])
redis.call("PEXPIREAT", fam, ARGV[4])

return {3, user, role, family}
`

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
return 1
`

// KEYS[1] is an owner zset or family set; ARGV[2] selects the member listing.
const revokeIndexScript = `
local members
if ARGV[2] == "zset" then
  members = redis.call("ZRANGE", KEYS[1], 0, -1)
else
  members = redis.call("SMEMBERS", KEYS[1])
end
local count = 0
for _, h in ipairs(members) do
  local k = ARGV[3] .. h
  if redis.call("EXISTS", k) == 0 then
    if ARGV[2] == "zset" then
      redis.call("ZREM", KEYS[1], h)
    else
      redis.call("SREM", KEYS[1], h)
    end
  elseif redis.call("HGET", k, "revoked") ~= "1" then
    redis.call("HSET", k, "revoked", "1", "revoked_at", ARGV[1])
    count = count + 1
  end
end
return count
`

const revokeExcessScript = `
local now = tonumber(ARGV[1])
local keep = tonumber(ARGV[2])
local members = redis.call("ZREVRANGE", KEYS[1], 0, -1)
local active = 0
local count = 0
for _, h in ipairs(members) do
  local k = ARGV[3] .. h
  if redis.call("EXISTS", k) == 0 then
    redis.call("ZREM", KEYS[1], h)
  else
    local f = redis.call("HMGET", k, "revoked", "expires_at")
    if f[1] ~= "1" and tonumber(f[2]) > now then
      active = active + 1
      if active > keep then
        redis.call("HSET", k, "revoked", "1", "revoked_at", ARGV[1])
        count = count + 1
      end
    end
  end
end
return count
`

var (
	rotateLua       = redis.NewScript(rotateScript)
	revokeLua       = redis.NewScript(revokeScript)
	revokeIndexLua  = redis.NewScript(revokeIndexScript)
	revokeExcessLua = redis.NewScript(revokeExcessScript)
)

type RedisRefreshTokenStore struct {
	client redis.UniversalClient
	prefix string
	log    *logger.Logger
}

// NewRedisRefreshTokenStore keeps every key under prefix, which may be empty.
func NewRedisRefreshTokenStore(client redis.UniversalClient, prefix string, log *logger.Logger) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client, prefix: prefix, log: log}
}

func (s *RedisRefreshTokenStore) tokenKeyPrefix() string  { return s.prefix + "rt:" }
func (s *RedisRefreshTokenStore) ownerKeyPrefix() string  { return s.prefix + "rtu:" }
func (s *RedisRefreshTokenStore) familyKeyPrefix() string { return s.prefix + "rtf:" }

func (s *RedisRefreshTokenStore) tokenKey(hash string) string {
	return s.tokenKeyPrefix() + hash
}

func (s *RedisRefreshTokenStore) ownerKey(userID, kind string) string {
	return s.ownerKeyPrefix() + kind + ":" + userID
}

func (s *RedisRefreshTokenStore) familyKey(familyID string) string {
	return s.familyKeyPrefix() + familyID
}

func (s *RedisRefreshTokenStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisRefreshTokenStore) Create(ctx context.Context, token authdomain.RefreshToken) error {
	key := s.tokenKey(token.TokenHash)
	kind := OwnerKind(token.Role)
	ownerKey := s.ownerKey(token.UserID, kind)
	familyKey := s.familyKey(token.FamilyID)
	createdMs := token.CreatedAt.UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", token.ID,
			"user_id", token.UserID,
			"role", token.Role,
			"kind", kind,
			"family_id", token.FamilyID,
			"expires_at", token.ExpiresAt.UnixMilli(),
			"created_at", createdMs,
			"revoked", "0",
			"revoked_at", "0",
		)
		pipe.PExpireAt(ctx, key, token.ExpiresAt)
		pipe.ZAdd(ctx, ownerKey, redis.Z{Score: float64(createdMs), Member: token.TokenHash})
		pipe.PExpireAt(ctx, ownerKey, token.ExpiresAt)
		pipe.SAdd(ctx, familyKey, token.TokenHash)
		pipe.PExpireAt(ctx, familyKey, token.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: create refresh token: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisRefreshTokenStore) Rotate(ctx context.Context, oldHash string, next authdomain.RefreshToken, now time.Time) (authdomain.RefreshToken, error) {
	rotated, err := s.rotate(ctx, oldHash, next, now)
	recordRotation("redis", err)
	return rotated, err
}

func (s *RedisRefreshTokenStore) rotate(ctx context.Context, oldHash string, next authdomain.RefreshToken, now time.Time) (authdomain.RefreshToken, error) {
	result, err := rotateLua.Run(
		ctx,
		s.client,
		[]string{s.tokenKey(oldHash), s.tokenKey(next.TokenHash)},
		now.UnixMilli(),
		next.ID,
		next.TokenHash,
		next.ExpiresAt.UnixMilli(),
		next.CreatedAt.UnixMilli(),
		s.ownerKeyPrefix(),
		s.familyKeyPrefix(),
	).Slice()
	if err != nil {
		return authdomain.RefreshToken{}, fmt.Errorf("%w: rotate refresh token: %v", ErrRedisUnavailable, err)
	}
	if len(result) == 0 {
		return authdomain.RefreshToken{}, fmt.Errorf("%w: empty rotate reply", ErrRedisUnavailable)
	}

	code, ok := result[0].(int64)
	if !ok {
		return authdomain.RefreshToken{}, fmt.Errorf("%w: invalid rotate status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return authdomain.RefreshToken{}, ErrRefreshTokenNotFound
	case rotateStatusExpired:
		return authdomain.RefreshToken{}, ErrRefreshTokenExpired
	case rotateStatusReused, rotateStatusRotated:
		owner, err := parseOwnerReply(result)
		if err != nil {
			return authdomain.RefreshToken{}, err
		}
		if code == rotateStatusReused {
			return authdomain.RefreshToken{}, &owner
		}
		rotated := next
		rotated.UserID = owner.UserID
		rotated.Role = owner.Role
		rotated.FamilyID = owner.FamilyID
		return rotated, nil
	default:
		return authdomain.RefreshToken{}, fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, code)
	}
}

func parseOwnerReply(result []any) (ReusedTokenError, error) {
	if len(result) < 4 {
		return ReusedTokenError{}, fmt.Errorf("%w: short rotate reply", ErrRedisUnavailable)
	}
	fields := make([]string, 3)
	for i := range fields {
		v, ok := result[i+1].(string)
		if !ok {
			return ReusedTokenError{}, fmt.Errorf("%w: invalid rotate reply field %d", ErrRedisUnavailable, i+1)
		}
		fields[i] = v
	}
	return ReusedTokenError{UserID: fields[0], Role: fields[1], FamilyID: fields[2]}, nil
}

func (s *RedisRefreshTokenStore) Revoke(ctx context.Context, hash string, now time.Time) error {
	if err := revokeLua.Run(ctx, s.client, []string{s.tokenKey(hash)}, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("%w: revoke refresh token: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisRefreshTokenStore) RevokeAllByOwner(ctx context.Context, userID, kind string, now time.Time) (int64, error) {
	n, err := revokeIndexLua.Run(ctx, s.client,
		[]string{s.ownerKey(userID, kind)},
		now.UnixMilli(), "zset", s.tokenKeyPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: revoke owner refresh tokens: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

func (s *RedisRefreshTokenStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	n, err := revokeIndexLua.Run(ctx, s.client,
		[]string{s.familyKey(familyID)},
		now.UnixMilli(), "set", s.tokenKeyPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: revoke refresh token family: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

func (s *RedisRefreshTokenStore) RevokeExcessByOwner(ctx context.Context, userID, kind string, keep int, now time.Time) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	n, err := revokeExcessLua.Run(ctx, s.client,
		[]string{s.ownerKey(userID, kind)},
		now.UnixMilli(), keep, s.tokenKeyPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: revoke excess refresh tokens: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

// DeleteExpired only prunes index members; token records carry their own
// key expiry. The count is the number of index entries removed.
func (s *RedisRefreshTokenStore) DeleteExpired(ctx context.Context, _ time.Time) (int64, error) {
	var removed int64
	for _, pattern := range []string{s.ownerKeyPrefix() + "*", s.familyKeyPrefix() + "*"} {
		isZSet := strings.HasPrefix(pattern, s.ownerKeyPrefix())
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			n, err := s.pruneIndex(ctx, iter.Val(), isZSet)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("%w: scan refresh token index: %v", ErrRedisUnavailable, err)
		}
	}
	if removed > 0 {
		s.log.Debugf("pruned %d stale refresh token index entries", removed)
	}
	return removed, nil
}

func (s *RedisRefreshTokenStore) pruneIndex(ctx context.Context, indexKey string, isZSet bool) (int64, error) {
	var (
		members []string
		err     error
	)
	if isZSet {
		members, err = s.client.ZRange(ctx, indexKey, 0, -1).Result()
	} else {
		members, err = s.client.SMembers(ctx, indexKey).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read refresh token index: %v", ErrRedisUnavailable, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		exists[i] = pipe.Exists(ctx, s.tokenKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: check refresh token records: %v", ErrRedisUnavailable, err)
	}

	var stale []any
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, members[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if isZSet {
		err = s.client.ZRem(ctx, indexKey, stale...).Err()
	} else {
		err = s.client.SRem(ctx, indexKey, stale...).Err()
	}
	if err != nil {
		return 0, fmt.Errorf("%w: prune refresh token index: %v", ErrRedisUnavailable, err)
	}
	return int64(len(stale)), nil
}
