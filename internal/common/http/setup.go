package http

import (
	"net/http"

	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
	"github.com/AlibekovAA/clinic-auth/internal/common/httpmetrics"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
)

// BuildBaseHandler wraps handler with the middleware every service shares,
// outermost first: security headers, CSP, panic recovery, trace id, body
// limit, request metrics.
func BuildBaseHandler(appName string, log *logger.Logger, handler http.Handler) http.Handler {
	collector := httpmetrics.New(appName)
	recovery := RecoveryMiddleware(log)
	maxRequestSize := MaxRequestSizeMiddleware(constants.DefaultMaxRequestSize)
	csp := ContentSecurityPolicyMiddleware("")

	return SecurityHeadersMiddleware(csp(recovery(TraceIDMiddleware(maxRequestSize(collector.Wrap(handler))))))
}
