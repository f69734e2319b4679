package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/observability/metrics"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisRefreshTokenStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	mr.SetTime(testNow)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisRefreshTokenStore(client, "test:", logger.Discard())
}

func newRecord(hash, user, role, family string, created time.Time) authdomain.RefreshToken {
	return authdomain.RefreshToken{
		ID:        "id-" + hash,
		TokenHash: hash,
		FamilyID:  family,
		UserID:    user,
		Role:      role,
		CreatedAt: created,
		ExpiresAt: created.Add(14 * 24 * time.Hour),
	}
}

func nextRecord(hash string, created time.Time) authdomain.RefreshToken {
	return authdomain.RefreshToken{
		ID:        "id-" + hash,
		TokenHash: hash,
		CreatedAt: created,
		ExpiresAt: created.Add(14 * 24 * time.Hour),
	}
}

func (s *RedisRefreshTokenStore) lookup(ctx context.Context, hash string) (authdomain.RefreshToken, error) {
	vals, err := s.client.HGetAll(ctx, s.tokenKey(hash)).Result()
	if err != nil {
		return authdomain.RefreshToken{}, err
	}
	if len(vals) == 0 {
		return authdomain.RefreshToken{}, ErrRefreshTokenNotFound
	}

	expiresMs, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	createdMs, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	token := authdomain.RefreshToken{
		ID:        vals["id"],
		TokenHash: hash,
		FamilyID:  vals["family_id"],
		UserID:    vals["user_id"],
		Role:      vals["role"],
		ExpiresAt: time.UnixMilli(expiresMs),
		CreatedAt: time.UnixMilli(createdMs),
	}
	if vals["revoked"] == "1" {
		revokedMs, _ := strconv.ParseInt(vals["revoked_at"], 10, 64)
		revokedAt := time.UnixMilli(revokedMs)
		token.RevokedAt = &revokedAt
	}
	return token, nil
}

func TestRedisStore_RotateInheritsOwnerAndFamily(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("h1", "p-1", "patient", "fam-1", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}

	rotated, err := store.Rotate(ctx, "h1", nextRecord("h2", testNow.Add(time.Minute)), testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.UserID != "p-1" || rotated.Role != "patient" || rotated.FamilyID != "fam-1" {
		t.Errorf("rotated record did not inherit owner: %+v", rotated)
	}

	old, err := store.lookup(ctx, "h1")
	if err != nil {
		t.Fatalf("lookup old: %v", err)
	}
	if !old.IsRevoked() {
		t.Error("old token must be revoked after rotation")
	}

	fresh, err := store.lookup(ctx, "h2")
	if err != nil {
		t.Fatalf("lookup new: %v", err)
	}
	if !fresh.IsActiveAt(testNow.Add(time.Minute)) || fresh.FamilyID != "fam-1" {
		t.Errorf("new token not active in family: %+v", fresh)
	}
}

func TestRedisStore_RotateFailures(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Rotate(ctx, "missing", nextRecord("x", testNow), testNow)
	if !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Errorf("expected ErrRefreshTokenNotFound, got %v", err)
	}

	record := newRecord("h1", "d-1", "doctor", "fam-1", testNow)
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.Rotate(ctx, "h1", nextRecord("h2", testNow), record.ExpiresAt)
	if !errors.Is(err, ErrRefreshTokenExpired) {
		t.Errorf("expected ErrRefreshTokenExpired at expiry, got %v", err)
	}

	if _, err := store.Rotate(ctx, "h1", nextRecord("h2", testNow), testNow); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	_, err = store.Rotate(ctx, "h1", nextRecord("h3", testNow), testNow)
	var reused *ReusedTokenError
	if !errors.As(err, &reused) {
		t.Fatalf("expected ReusedTokenError, got %v", err)
	}
	if !errors.Is(err, ErrRefreshTokenReused) {
		t.Error("ReusedTokenError must match ErrRefreshTokenReused")
	}
	if reused.FamilyID != "fam-1" || reused.UserID != "d-1" || reused.Role != "doctor" {
		t.Errorf("unexpected reuse details: %+v", reused)
	}
}

func TestRedisStore_RotateRecordsOutcome(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	outcome := func(name string) float64 {
		return testutil.ToFloat64(metrics.RefreshStoreRotations.WithLabelValues("redis", name))
	}
	before := map[string]float64{}
	for _, name := range []string{"rotated", "reused", "not_found"} {
		before[name] = outcome(name)
	}

	if err := store.Create(ctx, newRecord("m1", "p-1", "patient", "fam-m", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Rotate(ctx, "m1", nextRecord("m2", testNow), testNow); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_, _ = store.Rotate(ctx, "m1", nextRecord("m3", testNow), testNow)
	_, _ = store.Rotate(ctx, "never-issued", nextRecord("m4", testNow), testNow)

	for name, want := range map[string]float64{"rotated": 1, "reused": 1, "not_found": 1} {
		if got := outcome(name) - before[name]; got != want {
			t.Errorf("%s: expected %v more, got %v", name, want, got)
		}
	}
}

func TestRedisStore_ConcurrentRotateHasOneWinner(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("h0", "p-1", "patient", "fam-1", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
		other    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.Rotate(ctx, "h0", nextRecord(fmt.Sprintf("next-%d", i), testNow), testNow)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrRefreshTokenReused), errors.Is(err, ErrRefreshTokenNotFound):
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one successful rotation, got %d", wins)
	}
	if rejected != workers-1 {
		t.Errorf("expected %d rejections, got %d", workers-1, rejected)
	}
	if len(other) > 0 {
		t.Errorf("unexpected errors: %v", other)
	}
}

func TestRedisStore_RevokeAllByOwner(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	for i, hash := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, newRecord(hash, "d-1", "doctor", "fam-"+hash, testNow.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.Create(ctx, newRecord("other", "d-2", "doctor", "fam-x", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Revoke(ctx, "a", testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	n, err := store.RevokeAllByOwner(ctx, "d-1", "doctor", testNow)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 newly revoked tokens, got %d", n)
	}

	for _, hash := range []string{"b", "c"} {
		if _, err := store.Rotate(ctx, hash, nextRecord(hash+"-next", testNow), testNow); !errors.Is(err, ErrRefreshTokenReused) {
			t.Errorf("%s: expected reuse after revoke-all, got %v", hash, err)
		}
	}
	if _, err := store.Rotate(ctx, "other", nextRecord("other-next", testNow), testNow); err != nil {
		t.Errorf("other owner's token must survive, got %v", err)
	}
}

func TestRedisStore_OwnerSpansRolesOfOneKind(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("before", "d-1", "doctor", "fam-1", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newRecord("after", "d-1", "admin", "fam-2", testNow.Add(time.Second))); err != nil {
		t.Fatalf("create: %v", err)
	}
	rotated, err := store.Rotate(ctx, "before", nextRecord("before-next", testNow.Add(2*time.Second)), testNow)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Role != "doctor" {
		t.Errorf("rotated record must keep its role, got %q", rotated.Role)
	}

	n, err := store.RevokeAllByOwner(ctx, "d-1", "doctor", testNow)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Errorf("expected doctor and admin sessions revoked together, got %d", n)
	}
	for _, hash := range []string{"before-next", "after"} {
		if _, err := store.Rotate(ctx, hash, nextRecord(hash+"-x", testNow), testNow); !errors.Is(err, ErrRefreshTokenReused) {
			t.Errorf("%s: expected reuse after revoke-all, got %v", hash, err)
		}
	}
}

func TestOwnerKind(t *testing.T) {
	cases := map[string]string{"patient": "patient", "doctor": "doctor", "admin": "doctor", "other": "other"}
	for role, want := range cases {
		if got := OwnerKind(role); got != want {
			t.Errorf("OwnerKind(%q) = %q, want %q", role, got, want)
		}
	}
}

func TestRedisStore_RevokeFamily(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("h1", "p-1", "patient", "fam-1", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Rotate(ctx, "h1", nextRecord("h2", testNow), testNow); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	n, err := store.RevokeFamily(ctx, "fam-1", testNow)
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the one active member revoked, got %d", n)
	}
	if _, err := store.Rotate(ctx, "h2", nextRecord("h3", testNow), testNow); !errors.Is(err, ErrRefreshTokenReused) {
		t.Errorf("expected descendant to be revoked, got %v", err)
	}
}

func TestRedisStore_RevokeExcessKeepsNewest(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	hashes := []string{"t1", "t2", "t3", "t4"}
	for i, hash := range hashes {
		if err := store.Create(ctx, newRecord(hash, "p-1", "patient", "fam-"+hash, testNow.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := store.RevokeExcessByOwner(ctx, "p-1", "patient", 2, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("revoke excess: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}

	for _, hash := range []string{"t1", "t2"} {
		rec, _ := store.lookup(ctx, hash)
		if !rec.IsRevoked() {
			t.Errorf("%s should be revoked", hash)
		}
	}
	for _, hash := range []string{"t3", "t4"} {
		rec, _ := store.lookup(ctx, hash)
		if rec.IsRevoked() {
			t.Errorf("%s should stay active", hash)
		}
	}
}

func TestRedisStore_DeleteExpiredPrunesIndexes(t *testing.T) {
	mr, store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("old", "p-1", "patient", "fam-1", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}

	mr.FastForward(15 * 24 * time.Hour)

	if mr.Exists("test:rt:old") {
		t.Fatal("record should have expired with its key")
	}

	// The index keys share the record's expiry, so recreate one to hold a
	// stale member.
	mr.ZAdd("test:rtu:patient:p-1", 1, "old")
	mr.SetAdd("test:rtf:fam-1", "old")

	removed, err := store.DeleteExpired(ctx, testNow)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 stale index entries removed, got %d", removed)
	}
}

func TestRedisStore_RevokeMissingIsNoop(t *testing.T) {
	mr, store := newTestRedisStore(t)

	if err := store.Revoke(context.Background(), "nope", testNow); err != nil {
		t.Fatalf("revoke missing: %v", err)
	}
	if mr.Exists("test:rt:nope") {
		t.Error("revoke must not create a record")
	}
}
