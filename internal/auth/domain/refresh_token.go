package domain

import "time"

// RefreshToken is one link of a rotation chain. Only TokenHash is stored;
// RawToken is set on the value handed back to the caller and never persisted.
type RefreshToken struct {
	ID        string
	TokenHash string
	FamilyID  string
	UserID    string
	Role      string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
	RawToken  string
}

func (t RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsActiveAt reports whether the token can still be redeemed at now. Expiry
// is exclusive.
func (t RefreshToken) IsActiveAt(now time.Time) bool {
	return !t.IsRevoked() && now.Before(t.ExpiresAt)
}
