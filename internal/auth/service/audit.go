package service

import (
	"context"
	"time"
)

type AuditEventType string

const (
	AuditRefreshTokenReused AuditEventType = "refresh_token_reused"
	AuditLogoutAll          AuditEventType = "logout_all"
	AuditSessionsRevoked    AuditEventType = "sessions_revoked"
)

// AuditEvent carries no token material, only who and which chain.
type AuditEvent struct {
	Type     AuditEventType
	UserID   string
	Role     string
	FamilyID string
	ClientIP string
	Revoked  int64
	At       time.Time
}

// AuditSink receives security events. Implementations must not block for
// long; the request waits on Record.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

type AuditSinkFunc func(ctx context.Context, event AuditEvent)

func (f AuditSinkFunc) Record(ctx context.Context, event AuditEvent) {
	f(ctx, event)
}

type noopAuditSink struct{}

func (noopAuditSink) Record(context.Context, AuditEvent) {}
