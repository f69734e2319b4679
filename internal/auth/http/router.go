package http

import (
	"context"
	"net/http"
	"time"

	"github.com/AlibekovAA/clinic-auth/internal/auth/service"
	commonhttp "github.com/AlibekovAA/clinic-auth/internal/common/http"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
)

const refreshCookieName = "refresh_token"

// Authenticator is the part of service.AuthService the routes need.
type Authenticator interface {
	Login(ctx context.Context, input service.LoginInput) (service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken, clientIP string) (service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, claims jwtverify.AccessClaims, clientIP string) (int64, error)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"max=512"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type meResponse struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Options struct {
	Validator      *jwtverify.Validator
	Limiter        *commonhttp.StrictRateLimiter
	RequestTimeout time.Duration
}

type Handler struct {
	auth    Authenticator
	errors  *commonhttp.ErrorHandler
	timeout time.Duration
	log     *logger.Logger
}

// NewHandler mounts the /api/auth routes. A nil Limiter disables rate
// limiting.
func NewHandler(auth Authenticator, opts Options, log *logger.Logger) http.Handler {
	h := &Handler{
		auth:    auth,
		errors:  commonhttp.NewErrorHandler(log),
		timeout: opts.RequestTimeout,
		log:     log,
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}

	bearer := jwtverify.Middleware(opts.Validator, log)

	mux := http.NewServeMux()
	route := func(path, method string, fn http.HandlerFunc, protected bool) {
		var handler http.Handler = commonhttp.RequireMethod(method)(commonhttp.WithTimeout(h.timeout)(fn))
		if protected {
			handler = bearer(handler)
		}
		if opts.Limiter != nil {
			handler = opts.Limiter.MiddlewareForPath(path)(handler)
		}
		mux.Handle(path, handler)
	}

	route("/api/auth/login", http.MethodPost, h.login, false)
	route("/api/auth/refresh", http.MethodPost, h.refresh, false)
	route("/api/auth/logout", http.MethodPost, h.logout, false)
	route("/api/auth/logout-all", http.MethodPost, h.logoutAll, true)
	route("/api/auth/me", http.MethodGet, h.me, true)

	return mux
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := commonhttp.DecodeAndValidate(r, &req); err != nil {
		h.log.WithFields(r.Context(), logger.Fields{
			"action": "login_bad_request",
		}).Debugf("login rejected: %v", err)
		h.errors.HandleError(w, r, err)
		return
	}

	result, err := h.auth.Login(r.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		ClientIP: commonhttp.GetClientIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.writeTokens(w, r, result)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	token, err := h.refreshTokenFrom(r)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if token == "" {
		commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeMissingRefreshToken,
			"missing refresh token", nil, commonhttp.TraceIDFromContext(r.Context()))
		return
	}

	result, err := h.auth.Refresh(r.Context(), token, commonhttp.GetClientIP(r))
	if err != nil {
		if service.IsRefreshRejection(err) {
			clearRefreshCookie(w, r)
			h.errors.HandleError(w, r, service.ErrInvalidRefreshToken)
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}

	h.writeTokens(w, r, result)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token, err := h.refreshTokenFrom(r)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.log.WithFields(r.Context(), logger.Fields{
			"action": "logout_revoke_failed",
		}).Warnf("logout revoke failed: %v", err)
	}

	clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtverify.FromContext(r.Context())
	if !ok {
		commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeInvalidToken, "invalid token", nil, "")
		return
	}

	if _, err := h.auth.LogoutAll(r.Context(), claims, commonhttp.GetClientIP(r)); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtverify.FromContext(r.Context())
	if !ok {
		commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeInvalidToken, "invalid token", nil, "")
		return
	}

	commonhttp.WriteJSON(w, http.StatusOK, meResponse{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAtTime(),
	})
}

// refreshTokenFrom prefers the JSON body and falls back to the cookie. An
// empty body is allowed.
func (h *Handler) refreshTokenFrom(r *http.Request) (string, error) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := commonhttp.DecodeAndValidate(r, &req); err != nil {
			return "", err
		}
	}
	if req.RefreshToken != "" {
		return req.RefreshToken, nil
	}
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		return cookie.Value, nil
	}
	return "", nil
}

func (h *Handler) writeTokens(w http.ResponseWriter, r *http.Request, result service.AuthResult) {
	setRefreshCookie(w, r, result.RefreshToken, result.RefreshExpiresAt)
	w.Header().Set("Cache-Control", "no-store")
	commonhttp.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      result.AccessToken,
		RefreshToken:     result.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(result.ExpiresIn / time.Second),
		RefreshExpiresAt: result.RefreshExpiresAt.UTC(),
	})
}

func setRefreshCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	if token == "" {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/api/auth",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
}

func clearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/api/auth",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
}
