// Package session keeps a client signed in: it holds the token pair, renews
// the access token shortly before it expires and ends the session on any
// renewal failure.
package session

import "time"

type State int

const (
	StateLoggedOut State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Identity is the unverified projection of the current access token. It is
// for display and scheduling only; the server re-checks every call.
type Identity struct {
	Subject   string
	Email     string
	Name      string
	Role      string
	ExpiresAt time.Time
}

type Snapshot struct {
	State    State
	Identity Identity
}
