package observability

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

func RequestLoggingMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		logger.Info("http_request", map[string]any{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        RedactPath(r.URL.Path),
			"status":      recorder.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          r.RemoteAddr,
		})
	})
}

func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					sentry.CaptureMessage("panic in request")
				})

				logger.Error("panic_recovered", map[string]any{
					"request_id": middleware.GetReqID(r.Context()),
					"path":       RedactPath(r.URL.Path),
					"method":     r.Method,
					"panic":      rec,
				})

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Chain wraps next with the request id, logging and recovery layers,
// outermost first. RemoteAddr is rewritten from X-Forwarded-For/X-Real-IP
// only when trustProxy is set; otherwise clients could pick their own IP.
func Chain(logger *Logger, trustProxy bool, next http.Handler) http.Handler {
	handler := RecoverMiddleware(logger, RequestLoggingMiddleware(logger, next))
	if trustProxy {
		handler = middleware.RealIP(handler)
	}
	return middleware.RequestID(handler)
}

// Paths that carry a secret token as their last segment.
var tokenPaths = []string{"/auth/confirm/", "/auth/reset/"}

// RedactPath hides the token segment of confirmation and reset links.
func RedactPath(path string) string {
	for _, prefix := range tokenPaths {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "{token}"
		}
	}
	return path
}
