package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"voyager-accounts/internal/mail"
	"voyager-accounts/internal/observability"
	"voyager-accounts/internal/session"
	"voyager-accounts/internal/view"
)

const (
	msgInvalidLogin      = "Incorrect username or password."
	msgAccountTaken      = "Username or email already taken."
	msgConfirmInvalid    = "This confirmation link is invalid or has already been used."
	msgResetInvalid      = "This password reset link is invalid. Please request a new one."
	msgResetExpired      = "This password reset link has expired. Please request a new one."
	msgPasswordUpdated   = "Your password has been updated."
	msgConfirmSentFmt    = "If %s belongs to an account, a new confirmation email has been sent."
	msgResetSentFmt      = "If %s is associated with an account, an email with instructions to reset your password has been sent."
	msgEmailConfirmedFmt = "Your email at %s has been confirmed!"
)

type MailDispatcher interface {
	Dispatch(msg mail.Message)
}

type Handler struct {
	service  *Service
	sessions *session.Store
	views    *view.Renderer
	mailer   MailDispatcher
	composer *mail.Composer
	logger   *observability.Logger
}

func NewHandler(
	service *Service,
	sessions *session.Store,
	views *view.Renderer,
	mailer MailDispatcher,
	composer *mail.Composer,
	logger *observability.Logger,
) *Handler {
	return &Handler{
		service:  service,
		sessions: sessions,
		views:    views,
		mailer:   mailer,
		composer: composer,
		logger:   logger,
	}
}

// RequireLogin sends anonymous visitors to the login page.
func (h *Handler) RequireLogin(next session.HandlerFunc) session.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, sess *session.Session) {
		if !sess.IsAuthenticated() {
			h.redirect(w, r, sess, "/login")
			return
		}
		next(w, r, sess)
	}
}

// RedirectIfAuthenticated keeps signed-in users away from the anonymous-only
// pages (signup, login, forgot, reset).
func (h *Handler) RedirectIfAuthenticated(next session.HandlerFunc) session.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, sess *session.Session) {
		if sess.IsAuthenticated() {
			h.redirect(w, r, sess, "/")
			return
		}
		next(w, r, sess)
	}
}

func (h *Handler) LimitReached(w http.ResponseWriter, r *http.Request, policy Policy, _ time.Duration) {
	sess, err := h.sessions.Load(r.Context(), r)
	if err != nil {
		h.SessionError(w, r, err)
		return
	}
	sess.AddFlash(session.FlashError, policy.Message)
	h.redirect(w, r, sess, policy.Redirect)
}

func (h *Handler) SessionError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Report("session_load_failed", err, map[string]any{"path": observability.RedactPath(r.URL.Path)})
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.render(w, r, sess, http.StatusOK, "index", h.page(r, sess, "Voyager"))
}

func (h *Handler) SignupForm(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.render(w, r, sess, http.StatusOK, "signup", h.page(r, sess, "Sign Up"))
}

func (h *Handler) LoginForm(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.render(w, r, sess, http.StatusOK, "login", h.page(r, sess, "Login"))
}

func (h *Handler) ForgotForm(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.render(w, r, sess, http.StatusOK, "forgot", h.page(r, sess, "Forgot Password"))
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	account, err := h.service.AccountByID(r.Context(), sess.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.logout(w, r, sess)
			return
		}
		h.fail(w, r, sess, "load_profile_failed", err)
		return
	}

	page := h.page(r, sess, "Profile")
	page.Profile = &view.Profile{
		Username:         account.Username,
		Email:            account.Email,
		IsEmailConfirmed: account.IsEmailConfirmed,
		CreatedAt:        account.CreatedAt,
	}
	h.render(w, r, sess, http.StatusOK, "profile", page)
}

func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	page := h.page(r, sess, "Not Found")
	page.Message = "Not Found"
	h.render(w, r, sess, http.StatusNotFound, "error", page)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.logout(w, r, sess)
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := r.ParseForm(); err != nil {
		h.renderErrors(w, r, sess, "signup", "Sign Up", nil, "invalid form submission")
		return
	}

	form := parseSignupForm(r.PostForm)
	keep := map[string]string{"username": form.Username, "email": form.Email}
	if messages := validateForm(form); messages != nil {
		h.renderErrors(w, r, sess, "signup", "Sign Up", keep, messages...)
		return
	}

	account, token, err := h.service.Signup(r.Context(), SignupInput{
		Username: form.Username,
		Email:    form.Email,
		Password: form.Password,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			h.renderErrors(w, r, sess, "signup", "Sign Up", keep, msgAccountTaken)
			return
		}
		h.fail(w, r, sess, "signup_failed", err)
		return
	}

	h.mailer.Dispatch(h.composer.EmailConfirmation(account.Email, token))
	h.logger.Info("account_created", map[string]any{"user_id": account.ID})

	h.login(w, r, sess, account)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := r.ParseForm(); err != nil {
		h.flashRedirect(w, r, sess, session.FlashError, msgInvalidLogin, "/login")
		return
	}

	form := parseLoginForm(r.PostForm)
	if messages := validateForm(form); messages != nil {
		h.flashRedirect(w, r, sess, session.FlashError, msgInvalidLogin, "/login")
		return
	}

	account, err := h.service.Authenticate(r.Context(), form.Username, form.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.flashRedirect(w, r, sess, session.FlashError, msgInvalidLogin, "/login")
			return
		}
		h.fail(w, r, sess, "login_failed", err)
		return
	}

	h.login(w, r, sess, account)
}

// RequestEmailConfirmation re-sends the confirmation link. The response does
// not reveal whether the address is registered.
func (h *Handler) RequestEmailConfirmation(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := r.ParseForm(); err != nil {
		h.renderErrors(w, r, sess, "index", "Voyager", nil, "invalid form submission")
		return
	}

	form := parseEmailForm(r.PostForm)
	if messages := validateForm(form); messages != nil {
		h.renderErrors(w, r, sess, "index", "Voyager", nil, messages...)
		return
	}

	account, token, err := h.service.RequestEmailConfirmation(r.Context(), form.Email)
	switch {
	case err == nil:
		h.mailer.Dispatch(h.composer.EmailConfirmation(account.Email, token))
	case errors.Is(err, ErrNotFound):
	default:
		h.fail(w, r, sess, "email_confirmation_request_failed", err)
		return
	}

	h.flashRedirect(w, r, sess, session.FlashInfo, fmt.Sprintf(msgConfirmSentFmt, form.Email), "/")
}

func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	account, err := h.service.ConfirmEmail(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.flashRedirect(w, r, sess, session.FlashError, msgConfirmInvalid, "/")
			return
		}
		h.fail(w, r, sess, "confirm_email_failed", err)
		return
	}

	h.logger.Info("email_confirmed", map[string]any{"user_id": account.ID})
	h.flashRedirect(w, r, sess, session.FlashInfo, fmt.Sprintf(msgEmailConfirmedFmt, account.Email), "/")
}

// Forgot issues a reset token. Unknown addresses get the same response as
// known ones.
func (h *Handler) Forgot(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := r.ParseForm(); err != nil {
		h.renderErrors(w, r, sess, "forgot", "Forgot Password", nil, "invalid form submission")
		return
	}

	form := parseEmailForm(r.PostForm)
	if messages := validateForm(form); messages != nil {
		h.renderErrors(w, r, sess, "forgot", "Forgot Password", map[string]string{"email": form.Email}, messages...)
		return
	}

	account, token, err := h.service.RequestPasswordReset(r.Context(), form.Email)
	switch {
	case err == nil:
		h.mailer.Dispatch(h.composer.PasswordReset(account.Email, token))
	case errors.Is(err, ErrNotFound):
	default:
		h.fail(w, r, sess, "password_reset_request_failed", err)
		return
	}

	h.flashRedirect(w, r, sess, session.FlashInfo, fmt.Sprintf(msgResetSentFmt, form.Email), "/login")
}

func (h *Handler) ResetForm(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	token := r.PathValue("token")
	if _, err := h.service.ValidateResetToken(r.Context(), token); err != nil {
		h.resetTokenFailure(w, r, sess, err)
		return
	}

	page := h.page(r, sess, "Password Reset")
	page.Token = token
	h.render(w, r, sess, http.StatusOK, "reset", page)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	token := r.PathValue("token")
	if err := r.ParseForm(); err != nil {
		h.renderReset(w, r, sess, token, "invalid form submission")
		return
	}

	form := parseResetForm(r.PostForm)
	if messages := validateForm(form); messages != nil {
		h.renderReset(w, r, sess, token, messages...)
		return
	}

	account, err := h.service.CompleteReset(r.Context(), token, form.Password)
	if err != nil {
		h.resetTokenFailure(w, r, sess, err)
		return
	}

	h.logger.Info("password_reset_completed", map[string]any{"user_id": account.ID})
	sess.AddFlash(session.FlashInfo, msgPasswordUpdated)
	h.login(w, r, sess, account)
}

func (h *Handler) resetTokenFailure(w http.ResponseWriter, r *http.Request, sess *session.Session, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.flashRedirect(w, r, sess, session.FlashError, msgResetInvalid, "/forgot")
	case errors.Is(err, ErrExpired):
		h.flashRedirect(w, r, sess, session.FlashError, msgResetExpired, "/forgot")
	default:
		h.fail(w, r, sess, "password_reset_failed", err)
	}
}

func (h *Handler) renderReset(w http.ResponseWriter, r *http.Request, sess *session.Session, token string, messages ...string) {
	page := h.page(r, sess, "Password Reset")
	page.Token = token
	page.Errors = append(page.Errors, messages...)
	h.render(w, r, sess, http.StatusOK, "reset", page)
}

func (h *Handler) page(r *http.Request, sess *session.Session, title string) view.Page {
	page := view.Page{
		Title:  title,
		Info:   sess.Flashes(session.FlashInfo),
		Errors: sess.Flashes(session.FlashError),
	}

	if sess.IsAuthenticated() {
		account, err := h.service.AccountByID(r.Context(), sess.UserID())
		if err == nil {
			page.Login = true
			page.Email = account.Email
			page.IsEmailConfirmed = account.IsEmailConfirmed
		} else if !errors.Is(err, ErrNotFound) {
			h.logger.Report("load_session_account_failed", err, map[string]any{"user_id": sess.UserID()})
		}
	}

	return page
}

func (h *Handler) renderErrors(w http.ResponseWriter, r *http.Request, sess *session.Session, name, title string, form map[string]string, messages ...string) {
	page := h.page(r, sess, title)
	page.Form = form
	page.Errors = append(page.Errors, messages...)
	h.render(w, r, sess, http.StatusOK, name, page)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, name string, page view.Page) {
	if err := h.sessions.Save(r.Context(), w, sess); err != nil {
		h.logger.Report("session_save_failed", err, map[string]any{"path": observability.RedactPath(r.URL.Path)})
	}
	if err := h.views.Render(w, status, name, page); err != nil {
		h.logger.Report("render_failed", err, map[string]any{"page": name})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, sess *session.Session, target string) {
	if err := h.sessions.Save(r.Context(), w, sess); err != nil {
		h.logger.Report("session_save_failed", err, map[string]any{"path": observability.RedactPath(r.URL.Path)})
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) flashRedirect(w http.ResponseWriter, r *http.Request, sess *session.Session, kind, message, target string) {
	sess.AddFlash(kind, message)
	h.redirect(w, r, sess, target)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, sess *session.Session, account Account) {
	if err := h.sessions.Login(r.Context(), w, sess, account.ID); err != nil {
		h.fail(w, r, sess, "session_login_failed", err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := h.sessions.Destroy(r.Context(), w, sess); err != nil {
		h.logger.Report("session_destroy_failed", err, map[string]any{"path": observability.RedactPath(r.URL.Path)})
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// fail reports an unexpected error and shows a generic error page.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, sess *session.Session, event string, err error) {
	h.logger.Report(event, err, map[string]any{"path": observability.RedactPath(r.URL.Path), "method": r.Method})

	page := view.Page{Title: "Error", Login: sess.IsAuthenticated()}
	if renderErr := h.views.Render(w, http.StatusInternalServerError, "error", page); renderErr != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
