package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated  = errors.New("session: not authenticated")
	ErrSessionClosed     = errors.New("session: manager closed")
	ErrSessionChanged    = errors.New("session: changed while refreshing")
	ErrRejected          = errors.New("session: rejected by server")
	ErrMalformedResponse = errors.New("session: malformed server response")
)

// APIError is a non-2xx answer from the auth server. 401 answers match
// ErrRejected.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth server: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth server: status %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRejected && e.Status == 401
}
