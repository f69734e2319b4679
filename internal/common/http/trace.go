package http

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
)

const traceIDHeader = "X-Trace-ID"

var validTraceID = regexp.MustCompile(`^[A-Za-z0-9\-]{8,64}$`)

// TraceIDMiddleware accepts a well-formed incoming X-Trace-ID or mints one,
// echoes it in the response and stores it under constants.TraceIDKey for
// the logger and error handler.
func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceIDHeader)
		if !validTraceID.MatchString(traceID) {
			traceID = uuid.NewString()
		}

		w.Header().Set(traceIDHeader, traceID)

		ctx := context.WithValue(r.Context(), constants.TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(constants.TraceIDKey).(string)
	return traceID
}
