package middleware

import (
	"net/http"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/request"
	"go.uber.org/zap"
)

// Audit logs every state-changing API call and every rate limit rejection.
// Filter runs, undos and sweeps rewrite tags in bulk, so operators need a
// record of who asked for them.
func Audit(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			ip := logpkg.SanitizeString(request.ClientIP(r), logpkg.MaxGeneralStringLength)
			statusCode := wrapped.statusCode

			if statusCode == http.StatusTooManyRequests {
				logger.Warn("rate_limit_violation",
					zap.String("method", r.Method),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
					zap.String("ip", ip),
				)
				return
			}

			switch r.Method {
			case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
				logger.Info("audit_event",
					zap.String("request_id", request.RequestIDFromContext(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
					zap.Int("status_code", statusCode),
					zap.String("ip", ip),
				)
			}
		})
	}
}
