package service_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	authdomain "github.com/AlibekovAA/clinic-auth/internal/auth/domain"
	"github.com/AlibekovAA/clinic-auth/internal/auth/service"
	"github.com/AlibekovAA/clinic-auth/internal/principal"
)

type mockPrincipalRepo struct {
	findByEmailFunc func(ctx context.Context, email string) (principal.Principal, error)
	findByIDFunc    func(ctx context.Context, id string, role principal.Role) (principal.Principal, error)
}

func (m *mockPrincipalRepo) FindByEmail(ctx context.Context, email string) (principal.Principal, error) {
	if m.findByEmailFunc != nil {
		return m.findByEmailFunc(ctx, email)
	}
	return principal.Principal{}, principal.ErrNotFound
}

func (m *mockPrincipalRepo) FindByID(ctx context.Context, id string, role principal.Role) (principal.Principal, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id, role)
	}
	return principal.Principal{}, principal.ErrNotFound
}

type mockStore struct {
	createFunc              func(ctx context.Context, token authdomain.RefreshToken) error
	rotateFunc              func(ctx context.Context, oldHash string, next authdomain.RefreshToken, now time.Time) (authdomain.RefreshToken, error)
	revokeFunc              func(ctx context.Context, hash string, now time.Time) error
	revokeAllByOwnerFunc    func(ctx context.Context, userID, kind string, now time.Time) (int64, error)
	revokeFamilyFunc        func(ctx context.Context, familyID string, now time.Time) (int64, error)
	revokeExcessByOwnerFunc func(ctx context.Context, userID, kind string, keep int, now time.Time) (int64, error)
	deleteExpiredFunc       func(ctx context.Context, now time.Time) (int64, error)
	pingFunc                func(ctx context.Context) error
}

func (m *mockStore) Create(ctx context.Context, token authdomain.RefreshToken) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, token)
	}
	return nil
}

func (m *mockStore) Rotate(ctx context.Context, oldHash string, next authdomain.RefreshToken, now time.Time) (authdomain.RefreshToken, error) {
	if m.rotateFunc != nil {
		return m.rotateFunc(ctx, oldHash, next, now)
	}
	return authdomain.RefreshToken{}, fmt.Errorf("rotate not configured")
}

func (m *mockStore) Revoke(ctx context.Context, hash string, now time.Time) error {
	if m.revokeFunc != nil {
		return m.revokeFunc(ctx, hash, now)
	}
	return nil
}

func (m *mockStore) RevokeAllByOwner(ctx context.Context, userID, kind string, now time.Time) (int64, error) {
	if m.revokeAllByOwnerFunc != nil {
		return m.revokeAllByOwnerFunc(ctx, userID, kind, now)
	}
	return 0, nil
}

func (m *mockStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	if m.revokeFamilyFunc != nil {
		return m.revokeFamilyFunc(ctx, familyID, now)
	}
	return 0, nil
}

func (m *mockStore) RevokeExcessByOwner(ctx context.Context, userID, kind string, keep int, now time.Time) (int64, error) {
	if m.revokeExcessByOwnerFunc != nil {
		return m.revokeExcessByOwnerFunc(ctx, userID, kind, keep, now)
	}
	return 0, nil
}

func (m *mockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if m.deleteExpiredFunc != nil {
		return m.deleteExpiredFunc(ctx, now)
	}
	return 0, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return nil
}

type mockVerifier struct {
	mu         sync.Mutex
	verifyFunc func(secret, storedHash string) bool
	hashes     []string
}

func (m *mockVerifier) Verify(secret, storedHash string) bool {
	m.mu.Lock()
	m.hashes = append(m.hashes, storedHash)
	m.mu.Unlock()
	if m.verifyFunc != nil {
		return m.verifyFunc(secret, storedHash)
	}
	return false
}

func (m *mockVerifier) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hashes...)
}

type sequenceIDGenerator struct {
	n atomic.Int64
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

type recordingAuditSink struct {
	mu     sync.Mutex
	events []service.AuditEvent
}

func (r *recordingAuditSink) Record(_ context.Context, event service.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingAuditSink) Events() []service.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.AuditEvent(nil), r.events...)
}
