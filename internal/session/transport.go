package session

import (
	"net/http"
)

// Transport authorizes requests with the current access token. On a 401 it
// asks the manager to renew and replays the request once when the body can
// be rewound.
type Transport struct {
	Manager *Manager
	Base    http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, ok := t.Manager.AccessToken()
	if !ok {
		return nil, ErrNotAuthenticated
	}

	resp, err := t.base().RoundTrip(authorize(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if err := t.Manager.HandleUnauthorized(req.Context(), token); err != nil {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	next, ok := t.Manager.AccessToken()
	if !ok || next == token {
		return resp, nil
	}

	retry := authorize(req, next)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	_ = resp.Body.Close()
	return t.base().RoundTrip(retry)
}

func authorize(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}
