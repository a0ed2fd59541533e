package httpfrontdoor

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"bitriver-relay/internal/observability/logging"
)

// requestIDMiddleware attaches a request ID to the context and echoes it on
// the response, generating one via uuid when the client didn't supply
// X-Request-Id.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = uuid.NewString()
			}

			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			ctxLogger := logging.WithContext(ctx, logger)
			ctx = logging.ContextWithLogger(ctx, ctxLogger)

			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
