package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"voyager-accounts/internal/auth"
	"voyager-accounts/internal/maintenance"
	"voyager-accounts/internal/middleware"
	"voyager-accounts/internal/observability"
	"voyager-accounts/internal/session"
)

type routerDeps struct {
	auth           *auth.Handler
	sessions       *session.Store
	cleanup        *maintenance.CleanupHandler
	health         http.HandlerFunc
	counter        auth.HitCounter
	limitsEnabled  bool
	allowedOrigins []string
	logger         *observability.Logger
}

func newRouter(deps routerDeps) *http.ServeMux {
	h := deps.auth
	page := func(next session.HandlerFunc) http.Handler {
		return deps.sessions.Handle(h.SessionError, next)
	}
	csrf := middleware.CSRF(middleware.CSRFConfig{AllowedOrigins: deps.allowedOrigins})
	limit := func(policy auth.Policy, next http.Handler) http.Handler {
		if !deps.limitsEnabled {
			return next
		}
		return auth.NewRateLimiter(deps.counter, policy, h.LimitReached, deps.logger).Middleware(next)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", page(h.Index))
	mux.Handle("GET /signup", page(h.RedirectIfAuthenticated(h.SignupForm)))
	mux.Handle("GET /login", page(h.RedirectIfAuthenticated(h.LoginForm)))
	mux.Handle("GET /forgot", page(h.RedirectIfAuthenticated(h.ForgotForm)))
	mux.Handle("GET /logout", page(h.Logout))
	mux.Handle("GET /profile", page(h.RequireLogin(h.Profile)))

	mux.Handle("POST /auth/signup", csrf(limit(auth.CreateAccountPolicy, page(h.Signup))))
	mux.Handle("POST /auth/login", csrf(limit(auth.LoginPolicy, page(h.Login))))
	mux.Handle("POST /auth/emailconfirmation", csrf(limit(auth.EmailConfirmationPolicy, page(h.RequestEmailConfirmation))))
	mux.Handle("GET /auth/confirm/{token}", page(h.ConfirmEmail))
	mux.Handle("POST /auth/forgot", csrf(page(h.Forgot)))
	mux.Handle("GET /auth/reset/{token}", page(h.RedirectIfAuthenticated(h.ResetForm)))
	mux.Handle("POST /auth/reset/{token}", csrf(page(h.ResetPassword)))

	mux.HandleFunc("GET /health", deps.health)
	mux.HandleFunc("GET /internal/maintenance/cleanup", deps.cleanup.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", deps.cleanup.Handle)

	mux.Handle("GET /", page(h.NotFound))

	return mux
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func healthHandler(database pinger, redisClient redis.Cmdable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{"database": "ok", "redis": "ok"}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = "unavailable"
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			checks["redis"] = "unavailable"
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
