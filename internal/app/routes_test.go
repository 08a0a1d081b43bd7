package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voyager-accounts/internal/auth"
	"voyager-accounts/internal/config"
	"voyager-accounts/internal/mail"
	"voyager-accounts/internal/maintenance"
	"voyager-accounts/internal/observability"
	"voyager-accounts/internal/session"
	"voyager-accounts/internal/view"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type routerHarness struct {
	handler http.Handler
}

func newRouterHarness(t *testing.T, limitsEnabled bool) *routerHarness {
	t.Helper()

	database, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	views, err := view.NewRenderer()
	require.NoError(t, err)

	logger := observability.NewLoggerTo(&bytes.Buffer{})
	repo := auth.NewRepository(database)
	sessions := session.NewStore(client, session.Config{})
	handler := auth.NewHandler(
		auth.NewService(repo),
		sessions,
		views,
		mail.NewDispatcher(mail.NewLogSender(logger), logger),
		mail.NewComposer("http://voyager.test", "a@voyager.test", "b@voyager.test"),
		logger,
	)

	mux := newRouter(routerDeps{
		auth:           handler,
		sessions:       sessions,
		cleanup:        maintenance.NewCleanupHandler(maintenance.NewJob(repo, logger, time.Hour, 10), ""),
		health:         healthHandler(database, client),
		counter:        auth.NewMemoryCounter(),
		limitsEnabled:  limitsEnabled,
		allowedOrigins: []string{"https://voyager.example.com"},
		logger:         logger,
	})

	return &routerHarness{handler: observability.Chain(logger, false, mux)}
}

func (h *routerHarness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func loginRequest(origin string) *http.Request {
	form := url.Values{"username": {""}, "password": {""}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	req.RemoteAddr = "198.51.100.1:4000"
	return req
}

func TestRouterServesPages(t *testing.T) {
	h := newRouterHarness(t, false)

	for _, path := range []string{"/", "/login", "/signup", "/forgot"} {
		rec := h.serve(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := h.serve(httptest.NewRequest(http.MethodGet, "/profile", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = h.serve(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<h1>Not Found</h1>")

	rec = h.serve(httptest.NewRequest(http.MethodDelete, "/auth/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouterRejectsCrossSitePosts(t *testing.T) {
	h := newRouterHarness(t, false)

	assert.Equal(t, http.StatusForbidden, h.serve(loginRequest("")).Code)
	assert.Equal(t, http.StatusForbidden, h.serve(loginRequest("https://evil.example")).Code)

	rec := h.serve(loginRequest("https://voyager.example.com"))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRouterAppliesLoginLimit(t *testing.T) {
	h := newRouterHarness(t, true)

	// Stay under the delay threshold of the login policy.
	for i := 0; i < auth.LoginPolicy.DelayAfter; i++ {
		rec := h.serve(loginRequest("https://voyager.example.com"))
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
	}
}

func TestCleanupEndpointHiddenWithoutSecret(t *testing.T) {
	h := newRouterHarness(t, false)

	rec := h.serve(httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	healthy := healthHandler(pingFunc(func(context.Context) error { return nil }), client)
	rec := httptest.NewRecorder()
	healthy(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	degraded := healthHandler(pingFunc(func(context.Context) error { return errors.New("down") }), client)
	rec = httptest.NewRecorder()
	degraded(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"unavailable"`)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestAllowedOriginsIncludeBaseURL(t *testing.T) {
	assert.Equal(t, []string{"https://voyager.example.com"}, allowedOrigins(configWith("https://voyager.example.com", nil)))
	assert.Equal(t,
		[]string{"https://voyager.example.com", "https://a.example"},
		allowedOrigins(configWith("https://voyager.example.com", []string{"https://a.example", "https://voyager.example.com"})))
}

func configWith(baseURL string, origins []string) config.Config {
	return config.Config{BaseURL: baseURL, AllowedOrigins: origins}
}
