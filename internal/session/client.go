package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 64 << 10

// AuthClient talks to the token endpoints of the auth server.
type AuthClient struct {
	baseURL string
	http    *http.Client
}

func NewAuthClient(baseURL string, httpClient *http.Client) *AuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AuthClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *AuthClient) Login(ctx context.Context, email, password string) (TokenPair, error) {
	return c.tokens(ctx, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return c.tokens(ctx, "/api/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (c *AuthClient) Logout(ctx context.Context, refreshToken string) error {
	resp, err := c.post(ctx, "/api/auth/logout", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode}
	}
	return nil
}

func (c *AuthClient) tokens(ctx context.Context, path string, body any) (TokenPair, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return TokenPair{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TokenPair{}, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var env errorResponse
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		}
		return TokenPair{}, apiErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: missing token", ErrMalformedResponse)
	}
	return TokenPair{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}, nil
}

func (c *AuthClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}
