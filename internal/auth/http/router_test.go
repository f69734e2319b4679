package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlibekovAA/clinic-auth/internal/auth/service"
	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
	commonhttp "github.com/AlibekovAA/clinic-auth/internal/common/http"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type fakeAuth struct {
	loginFunc     func(ctx context.Context, input service.LoginInput) (service.AuthResult, error)
	refreshFunc   func(ctx context.Context, token, clientIP string) (service.AuthResult, error)
	logoutFunc    func(ctx context.Context, token string) error
	logoutAllFunc func(ctx context.Context, claims jwtverify.AccessClaims, clientIP string) (int64, error)
}

func (f *fakeAuth) Login(ctx context.Context, input service.LoginInput) (service.AuthResult, error) {
	if f.loginFunc != nil {
		return f.loginFunc(ctx, input)
	}
	return service.AuthResult{}, service.ErrInvalidCredentials
}

func (f *fakeAuth) Refresh(ctx context.Context, token, clientIP string) (service.AuthResult, error) {
	if f.refreshFunc != nil {
		return f.refreshFunc(ctx, token, clientIP)
	}
	return service.AuthResult{}, service.ErrInvalidRefreshToken
}

func (f *fakeAuth) Logout(ctx context.Context, token string) error {
	if f.logoutFunc != nil {
		return f.logoutFunc(ctx, token)
	}
	return nil
}

func (f *fakeAuth) LogoutAll(ctx context.Context, claims jwtverify.AccessClaims, clientIP string) (int64, error) {
	if f.logoutAllFunc != nil {
		return f.logoutAllFunc(ctx, claims, clientIP)
	}
	return 0, nil
}

type testRouter struct {
	handler http.Handler
	keys    jwtverify.KeySet
}

func newTestRouter(t *testing.T, auth *fakeAuth) *testRouter {
	t.Helper()

	keys, err := jwtverify.NewKeySet("k1", []byte(testSecret), nil)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	validator := jwtverify.NewValidator(keys, "clinic-auth", clock.NewMockClock(testNow))

	return &testRouter{
		handler: NewHandler(auth, Options{Validator: validator, RequestTimeout: time.Second}, logger.Discard()),
		keys:    keys,
	}
}

func (tr *testRouter) accessToken(t *testing.T, subject, role string) string {
	t.Helper()

	claims := jwtverify.AccessClaims{
		Email: "ada@clinic.test",
		Name:  "Ada Lovelace",
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "clinic-auth",
			IssuedAt:  jwt.NewNumericDate(testNow),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
	token, err := tr.keys.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func (tr *testRouter) do(method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) commonhttp.ErrorEnvelope {
	t.Helper()
	var env commonhttp.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env
}

func sampleResult() service.AuthResult {
	return service.AuthResult{
		AccessToken:      "access.jwt.value",
		ExpiresIn:        time.Hour,
		RefreshToken:     "new-refresh",
		RefreshExpiresAt: testNow.Add(14 * 24 * time.Hour),
	}
}

func TestLogin_Success(t *testing.T) {
	auth := &fakeAuth{
		loginFunc: func(ctx context.Context, input service.LoginInput) (service.AuthResult, error) {
			if input.Email != "ada@clinic.test" || input.Password != "pw" {
				t.Errorf("unexpected input %+v", input)
			}
			return sampleResult(), nil
		},
	}
	tr := newTestRouter(t, auth)

	rec := tr.do(http.MethodPost, "/api/auth/login", `{"email":"ada@clinic.test","password":"pw"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken != "access.jwt.value" || resp.RefreshToken != "new-refresh" ||
		resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 {
		t.Errorf("unexpected response %+v", resp)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != refreshCookieName || !cookies[0].HttpOnly || cookies[0].Path != "/api/auth" {
		t.Errorf("unexpected cookies %+v", cookies)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("token responses must not be cached")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{})

	rec := tr.do(http.MethodPost, "/api/auth/login", `{"email":"ada@clinic.test","password":"pw"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Code != "INVALID_CREDENTIALS" {
		t.Errorf("unexpected code %q", env.Code)
	}
}

func TestLogin_ValidationFailure(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{
		loginFunc: func(ctx context.Context, input service.LoginInput) (service.AuthResult, error) {
			t.Error("service must not be called for an invalid body")
			return service.AuthResult{}, nil
		},
	})

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not an email", `{"email":"nope","password":"pw"}`, commonhttp.CodeValidationFailed},
		{"missing password", `{"email":"ada@clinic.test"}`, commonhttp.CodeValidationFailed},
		{"unknown field", `{"email":"ada@clinic.test","password":"pw","admin":true}`, commonhttp.CodeInvalidJSON},
		{"broken json", `{"email":`, commonhttp.CodeInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tr.do(http.MethodPost, "/api/auth/login", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if env := decodeError(t, rec); env.Code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, env.Code)
			}
		})
	}
}

func TestLogin_MethodNotAllowed(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{})

	rec := tr.do(http.MethodGet, "/api/auth/login", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRefresh_BodyAndCookie(t *testing.T) {
	var got []string
	tr := newTestRouter(t, &fakeAuth{
		refreshFunc: func(ctx context.Context, token, clientIP string) (service.AuthResult, error) {
			got = append(got, token)
			return sampleResult(), nil
		},
	})

	rec := tr.do(http.MethodPost, "/api/auth/refresh", `{"refresh_token":"from-body"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = tr.do(http.MethodPost, "/api/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "from-cookie"})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(got) != 2 || got[0] != "from-body" || got[1] != "from-cookie" {
		t.Errorf("unexpected tokens %v", got)
	}
}

func TestRefresh_MissingToken(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{})

	rec := tr.do(http.MethodPost, "/api/auth/refresh", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Code != commonhttp.CodeMissingRefreshToken {
		t.Errorf("unexpected code %q", env.Code)
	}
}

func TestRefresh_RejectionsLookIdentical(t *testing.T) {
	for _, rejection := range []error{
		service.ErrInvalidRefreshToken,
		service.ErrRefreshTokenExpired,
		service.ErrRefreshTokenReused.WithCause(errors.New("family f1")),
	} {
		tr := newTestRouter(t, &fakeAuth{
			refreshFunc: func(ctx context.Context, token, clientIP string) (service.AuthResult, error) {
				return service.AuthResult{}, rejection
			},
		})

		rec := tr.do(http.MethodPost, "/api/auth/refresh", `{"refresh_token":"x"}`, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d", rejection, rec.Code)
		}
		env := decodeError(t, rec)
		if env.Code != "INVALID_REFRESH_TOKEN" || env.Message != "invalid refresh token" {
			t.Errorf("rejection %v leaked detail: %+v", rejection, env)
		}
	}
}

func TestRefresh_ServiceUnavailable(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{
		refreshFunc: func(ctx context.Context, token, clientIP string) (service.AuthResult, error) {
			return service.AuthResult{}, service.ErrServiceUnavailable.WithCause(commonerrors.ErrCircuitOpen)
		},
	})

	rec := tr.do(http.MethodPost, "/api/auth/refresh", `{"refresh_token":"x"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLogout_AlwaysNoContent(t *testing.T) {
	var revoked string
	tr := newTestRouter(t, &fakeAuth{
		logoutFunc: func(ctx context.Context, token string) error {
			revoked = token
			return errors.New("store down")
		},
	})

	rec := tr.do(http.MethodPost, "/api/auth/logout", `{"refresh_token":"bye"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if revoked != "bye" {
		t.Errorf("expected logout of %q, got %q", "bye", revoked)
	}
}

func TestLogoutAll_RequiresBearer(t *testing.T) {
	called := false
	tr := newTestRouter(t, &fakeAuth{
		logoutAllFunc: func(ctx context.Context, claims jwtverify.AccessClaims, clientIP string) (int64, error) {
			called = true
			if claims.Subject != "pat-1" || claims.Role != "patient" {
				t.Errorf("unexpected claims %+v", claims)
			}
			return 3, nil
		},
	})

	rec := tr.do(http.MethodPost, "/api/auth/logout-all", "", nil)
	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	token := tr.accessToken(t, "pat-1", "patient")
	rec = tr.do(http.MethodPost, "/api/auth/logout-all", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rec.Code != http.StatusNoContent || !called {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestMe_ProjectsClaims(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{})
	token := tr.accessToken(t, "doc-9", "doctor")

	rec := tr.do(http.MethodGet, "/api/auth/me", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp meResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Subject != "doc-9" || resp.Role != "doctor" || resp.Name != "Ada Lovelace" {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("unexpected expiry %v", resp.ExpiresAt)
	}
}

func TestMe_TamperedTokenRejected(t *testing.T) {
	tr := newTestRouter(t, &fakeAuth{})
	token := tr.accessToken(t, "doc-9", "doctor")

	rec := tr.do(http.MethodGet, "/api/auth/me", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token+"x")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
