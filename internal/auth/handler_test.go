package auth

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voyager-accounts/internal/mail"
	"voyager-accounts/internal/observability"
	"voyager-accounts/internal/session"
	"voyager-accounts/internal/view"
)

type recordingMailer struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (m *recordingMailer) Dispatch(msg mail.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *recordingMailer) sent() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.messages...)
}

type handlerHarness struct {
	t       *testing.T
	mr      *miniredis.Miniredis
	store   *memoryStore
	clock   *testClock
	service *Service
	handler *Handler
	mailer  *recordingMailer
	logs    *bytes.Buffer
	mux     *http.ServeMux
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	views, err := view.NewRenderer()
	require.NoError(t, err)

	service, store, clock := newTestService(t)
	mailer := &recordingMailer{}
	logs := &bytes.Buffer{}
	sessions := session.NewStore(client, session.Config{TTL: time.Hour})

	h := NewHandler(
		service,
		sessions,
		views,
		mailer,
		mail.NewComposer("http://voyager.test", "confirm@voyager.test", "reset@voyager.test"),
		observability.NewLoggerTo(logs),
	)

	page := func(next session.HandlerFunc) http.Handler {
		return sessions.Handle(h.SessionError, next)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", page(h.Index))
	mux.Handle("GET /signup", page(h.RedirectIfAuthenticated(h.SignupForm)))
	mux.Handle("GET /login", page(h.RedirectIfAuthenticated(h.LoginForm)))
	mux.Handle("GET /forgot", page(h.RedirectIfAuthenticated(h.ForgotForm)))
	mux.Handle("GET /logout", page(h.Logout))
	mux.Handle("GET /profile", page(h.RequireLogin(h.Profile)))
	mux.Handle("POST /auth/signup", page(h.Signup))
	mux.Handle("POST /auth/login", page(h.Login))
	mux.Handle("POST /auth/emailconfirmation", page(h.RequestEmailConfirmation))
	mux.Handle("GET /auth/confirm/{token}", page(h.ConfirmEmail))
	mux.Handle("POST /auth/forgot", page(h.Forgot))
	mux.Handle("GET /auth/reset/{token}", page(h.RedirectIfAuthenticated(h.ResetForm)))
	mux.Handle("POST /auth/reset/{token}", page(h.ResetPassword))

	return &handlerHarness{
		t:       t,
		mr:      mr,
		store:   store,
		clock:   clock,
		service: service,
		handler: h,
		mailer:  mailer,
		logs:    logs,
		mux:     mux,
	}
}

// browser replays the session cookie between requests.
type browser struct {
	h      *handlerHarness
	cookie *http.Cookie
}

func (h *handlerHarness) browser() *browser {
	return &browser{h: h}
}

func (b *browser) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	b.h.t.Helper()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, "http://voyager.test"+path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if b.cookie != nil {
		req.AddCookie(&http.Cookie{Name: b.cookie.Name, Value: b.cookie.Value})
	}

	rec := httptest.NewRecorder()
	b.h.mux.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name != session.DefaultCookieName {
			continue
		}
		if c.MaxAge < 0 || c.Value == "" {
			b.cookie = nil
		} else {
			b.cookie = c
		}
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.do(http.MethodGet, path, nil)
}

func (b *browser) post(path string, form url.Values) *httptest.ResponseRecorder {
	return b.do(http.MethodPost, path, form)
}

func (b *browser) sessionID() string {
	if b.cookie == nil {
		return ""
	}
	return b.cookie.Value
}

func (b *browser) signup(username, email, password string) *httptest.ResponseRecorder {
	return b.post("/auth/signup", url.Values{
		"username":             {username},
		"email":                {email},
		"password":             {password},
		"passwordConfirmation": {password},
	})
}

func (b *browser) login(username, password string) *httptest.ResponseRecorder {
	return b.post("/auth/login", url.Values{"username": {username}, "password": {password}})
}

func assertRedirect(t *testing.T, rec *httptest.ResponseRecorder, location string) {
	t.Helper()
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, location, rec.Header().Get("Location"))
}

func TestSignupLogsInAndSendsConfirmation(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()

	rec := b.signup("marco", "marco@example.com", "polo-polo-polo")
	assertRedirect(t, rec, "/")
	require.NotEmpty(t, b.sessionID())

	account, err := h.store.FindByUsername(t.Context(), "marco")
	require.NoError(t, err)
	require.NotNil(t, account.EmailConfirmationToken)

	sent := h.mailer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "marco@example.com", sent[0].To)
	assert.Equal(t, "confirm@voyager.test", sent[0].From)
	assert.Contains(t, sent[0].Text, "http://voyager.test/auth/confirm/"+*account.EmailConfirmationToken)

	rec = b.get("/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Signed in as marco@example.com.")
	assert.Contains(t, rec.Body.String(), "Please confirm your email address marco@example.com.")
	assert.NotContains(t, h.logs.String(), "polo-polo-polo")
}

func TestSignupValidationErrorKeepsInput(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()

	rec := b.post("/auth/signup", url.Values{
		"username":             {"cal"},
		"email":                {"cal@example.com"},
		"password":             {"polo-polo-polo"},
		"passwordConfirmation": {"polo-polo-polo"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "username must be between 4 and 20 characters")
	assert.Contains(t, rec.Body.String(), `value="cal@example.com"`)
	assert.Empty(t, h.mailer.sent())
	_, err := h.store.FindByUsername(t.Context(), "cal")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignupDuplicateAccount(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")

	rec := h.browser().signup("marco", "other@example.com", "polo-polo-polo")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Username or email already taken.")
	assert.Len(t, h.mailer.sent(), 1)
}

func TestLoginFailureFlashesAndRedirects(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")
	b := h.browser()

	assertRedirect(t, b.login("marco", "wrong-password"), "/login")

	rec := b.get("/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect username or password.")

	rec = b.get("/login")
	assert.NotContains(t, rec.Body.String(), "Incorrect username or password.", "flashes are shown once")

	assertRedirect(t, b.login("nobody", "polo-polo-polo"), "/login")
	assertRedirect(t, b.login("", ""), "/login")
}

func TestLoginRotatesSessionID(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")
	b := h.browser()

	b.login("marco", "wrong-password")
	anonymousID := b.sessionID()
	require.NotEmpty(t, anonymousID)

	assertRedirect(t, b.login("marco", "polo-polo-polo"), "/")
	assert.NotEmpty(t, b.sessionID())
	assert.NotEqual(t, anonymousID, b.sessionID())
	assert.False(t, h.mr.Exists("session:"+anonymousID))

	rec := b.get("/profile")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<dd>marco</dd>")
	assert.Contains(t, rec.Body.String(), "(not confirmed)")
}

func TestGuards(t *testing.T) {
	h := newHandlerHarness(t)
	anonymous := h.browser()
	assertRedirect(t, anonymous.get("/profile"), "/login")
	assert.Equal(t, http.StatusOK, anonymous.get("/signup").Code)
	assert.Equal(t, http.StatusOK, anonymous.get("/login").Code)
	assert.Equal(t, http.StatusOK, anonymous.get("/forgot").Code)

	member := h.browser()
	member.signup("marco", "marco@example.com", "polo-polo-polo")
	assertRedirect(t, member.get("/signup"), "/")
	assertRedirect(t, member.get("/login"), "/")
	assertRedirect(t, member.get("/forgot"), "/")
	assertRedirect(t, member.get("/auth/reset/anything"), "/")
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()
	b.signup("marco", "marco@example.com", "polo-polo-polo")
	id := b.sessionID()
	require.True(t, h.mr.Exists("session:"+id))

	assertRedirect(t, b.get("/logout"), "/")
	assert.Empty(t, b.sessionID())
	assert.False(t, h.mr.Exists("session:"+id))
	assertRedirect(t, b.get("/profile"), "/login")
}

func TestConfirmEmailFlow(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()
	b.signup("marco", "marco@example.com", "polo-polo-polo")
	account, err := h.store.FindByUsername(t.Context(), "marco")
	require.NoError(t, err)
	token := *account.EmailConfirmationToken

	assertRedirect(t, b.get("/auth/confirm/"+token), "/")
	rec := b.get("/")
	assert.Contains(t, rec.Body.String(), "Your email at marco@example.com has been confirmed!")
	assert.NotContains(t, rec.Body.String(), "Please confirm your email address")
	assert.True(t, h.store.get(account.ID).IsEmailConfirmed)

	assertRedirect(t, b.get("/auth/confirm/"+token), "/")
	rec = b.get("/")
	assert.Contains(t, rec.Body.String(), "This confirmation link is invalid or has already been used.")
}

func TestRequestEmailConfirmationDoesNotRevealAccounts(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")
	b := h.browser()

	assertRedirect(t, b.post("/auth/emailconfirmation", url.Values{"email": {"marco@example.com"}}), "/")
	known := b.get("/").Body.String()
	assert.Len(t, h.mailer.sent(), 2)

	assertRedirect(t, b.post("/auth/emailconfirmation", url.Values{"email": {"ghost@example.com"}}), "/")
	unknown := b.get("/").Body.String()
	assert.Len(t, h.mailer.sent(), 2)

	assert.Contains(t, known, "If marco@example.com belongs to an account")
	assert.Contains(t, unknown, "If ghost@example.com belongs to an account")
}

func TestForgotPassword(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")
	b := h.browser()

	assertRedirect(t, b.post("/auth/forgot", url.Values{"email": {"ghost@example.com"}}), "/login")
	assert.Len(t, h.mailer.sent(), 1)
	assert.Contains(t, b.get("/login").Body.String(), "If ghost@example.com is associated with an account")

	assertRedirect(t, b.post("/auth/forgot", url.Values{"email": {"marco@example.com"}}), "/login")
	sent := h.mailer.sent()
	require.Len(t, sent, 2)

	account, err := h.store.FindByEmail(t.Context(), "marco@example.com")
	require.NoError(t, err)
	require.NotNil(t, account.PasswordResetToken)
	assert.Equal(t, "reset@voyager.test", sent[1].From)
	assert.Contains(t, sent[1].Text, "http://voyager.test/auth/reset/"+*account.PasswordResetToken)

	rec := b.post("/auth/forgot", url.Values{"email": {"nope"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "must be an email")
}

func TestResetLinkIgnoresRequestHost(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")

	form := url.Values{"email": {"marco@example.com"}}
	req := httptest.NewRequest(http.MethodPost, "http://evil.example/auth/forgot", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assertRedirect(t, rec, "/login")

	account, err := h.store.FindByEmail(t.Context(), "marco@example.com")
	require.NoError(t, err)
	require.NotNil(t, account.PasswordResetToken)

	sent := h.mailer.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Text, "http://voyager.test/auth/reset/"+*account.PasswordResetToken)
	assert.NotContains(t, sent[1].Text, "evil.example")
}

func TestResetPasswordFlow(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")
	b := h.browser()
	b.post("/auth/forgot", url.Values{"email": {"marco@example.com"}})
	account, err := h.store.FindByEmail(t.Context(), "marco@example.com")
	require.NoError(t, err)
	token := *account.PasswordResetToken

	rec := b.get("/auth/reset/" + token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/auth/reset/`+token+`"`)

	rec = b.post("/auth/reset/"+token, url.Values{"password": {"new-secret-1"}, "passwordConfirmation": {"mismatch"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "passwordConfirmation field must have the same value as the password field")

	assertRedirect(t, b.post("/auth/reset/"+token, url.Values{
		"password":             {"new-secret-1"},
		"passwordConfirmation": {"new-secret-1"},
	}), "/")
	rec = b.get("/")
	assert.Contains(t, rec.Body.String(), "Your password has been updated.")
	assert.Contains(t, rec.Body.String(), "Signed in as marco@example.com.")

	stored := h.store.get(account.ID)
	assert.Nil(t, stored.PasswordResetToken)
	assert.Nil(t, stored.PasswordResetExpires)

	other := h.browser()
	assertRedirect(t, other.login("marco", "polo-polo-polo"), "/login")
	assertRedirect(t, other.login("marco", "new-secret-1"), "/")
}

func TestResetTokenFailures(t *testing.T) {
	h := newHandlerHarness(t)
	h.browser().signup("marco", "marco@example.com", "polo-polo-polo")
	b := h.browser()

	assertRedirect(t, b.get("/auth/reset/0000"), "/forgot")
	assert.Contains(t, b.get("/forgot").Body.String(), "This password reset link is invalid.")

	b.post("/auth/forgot", url.Values{"email": {"marco@example.com"}})
	account, err := h.store.FindByEmail(t.Context(), "marco@example.com")
	require.NoError(t, err)
	token := *account.PasswordResetToken

	h.clock.now = testNow.Add(time.Hour + time.Second)
	assertRedirect(t, b.get("/auth/reset/"+token), "/forgot")
	assert.Contains(t, b.get("/forgot").Body.String(), "This password reset link has expired.")

	assertRedirect(t, b.post("/auth/reset/"+token, url.Values{
		"password":             {"new-secret-1"},
		"passwordConfirmation": {"new-secret-1"},
	}), "/forgot")
	ok, err := VerifyPassword("polo-polo-polo", h.store.get(account.ID).PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimitReachedFlashesPolicyMessage(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()

	req := httptest.NewRequest(http.MethodPost, "http://voyager.test/auth/login", nil)
	rec := httptest.NewRecorder()
	h.handler.LimitReached(rec, req, LoginPolicy, time.Minute)

	assertRedirect(t, rec, "/login")
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName {
			b.cookie = c
		}
	}
	require.NotNil(t, b.cookie)
	assert.Contains(t, b.get("/login").Body.String(), "Too many login attempts from this IP")
}

func TestStoreFailureRendersErrorPage(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()
	b.signup("marco", "marco@example.com", "polo-polo-polo")

	h.store.mu.Lock()
	h.store.err = assert.AnError
	h.store.mu.Unlock()

	rec := b.login("marco", "polo-polo-polo")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Something went wrong")
	assert.Contains(t, h.logs.String(), "login_failed")
}

func TestSessionBackendFailure(t *testing.T) {
	h := newHandlerHarness(t)
	b := h.browser()
	b.signup("marco", "marco@example.com", "polo-polo-polo")

	h.mr.SetError("LOADING redis is loading")
	rec := b.get("/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, h.logs.String(), "session_load_failed")
}
