package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/validate"
	"go.uber.org/zap"
)

// HandlerDeps are the capabilities the auth endpoints depend on. Verifier,
// Mailer and Auditor are optional.
type HandlerDeps struct {
	Users     UserAuthenticator
	Registrar UserRegistrar
	Sessions  SessionManager
	Verifier  EmailVerifier
	Mailer    Mailer
	Auditor   AuditRecorder
}

// HandlerOptions configures cookies and links.
type HandlerOptions struct {
	SecureCookie bool
	// BaseURL prefixes the verification link, e.g. https://ecoscan.example.com
	BaseURL string
}

// Handlers serves the /api/auth endpoints.
type Handlers struct {
	deps   HandlerDeps
	opts   HandlerOptions
	logger *zap.Logger
}

// NewHandlers builds the auth endpoint handlers.
func NewHandlers(deps HandlerDeps, opts HandlerOptions, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Handlers{deps: deps, opts: opts, logger: logger.Named("auth")}
}

type signUpInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Name     string `json:"name" validate:"required,min=1,max=100"`
}

type signInInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (in *signUpInput) normalize() {
	in.Email = NormalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
}

func (in *signInInput) normalize() {
	in.Email = NormalizeEmail(in.Email)
}

type authResponse struct {
	User      *UserInfo `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// SignUp registers a USER account, starts a session, and sends the welcome
// and verification emails. Email failures become warnings.
func (h *Handlers) SignUp(w http.ResponseWriter, r *http.Request) {
	if h.deps.Registrar == nil || h.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", "sign-up unavailable")
		return
	}

	var in signUpInput
	if !decodeAndValidate(w, r, &in) {
		return
	}

	user, err := h.deps.Registrar.Register(r.Context(), in.Email, in.Name, in.Password)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "CONFLICT", "email already registered")
			return
		}
		h.logger.Error("register user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create account")
		return
	}

	token, expiresAt, err := h.deps.Sessions.Create(r.Context(), user.ID, ClientMetaFromRequest(r))
	if err != nil {
		h.logger.Error("create session after sign-up", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create session")
		return
	}
	h.setSessionCookie(w, token, expiresAt)
	h.record(audit.Event{Type: audit.EventSignUp, Actor: user.ID, Target: user.ID, Summary: "Account created for " + user.Email})

	var warnings []string
	if warn := h.sendVerification(r, user); warn != "" {
		warnings = append(warnings, warn)
	}
	if h.deps.Mailer != nil {
		if err := h.deps.Mailer.SendWelcome(r.Context(), user.Email, user.Name); err != nil {
			h.logger.Warn("send welcome email", zap.String("user_id", user.ID), zap.Error(err))
			warnings = append(warnings, "welcome email could not be sent")
		}
	}

	writeJSON(w, http.StatusCreated, authResponse{User: user, ExpiresAt: expiresAt, Warnings: warnings})
}

// SignIn checks credentials and starts a session.
func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) {
	if h.deps.Users == nil || h.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", "sign-in unavailable")
		return
	}

	var in signInInput
	if !decodeAndValidate(w, r, &in) {
		return
	}
	email := in.Email

	user, err := h.deps.Users.Authenticate(r.Context(), email, in.Password)
	if err != nil {
		h.record(audit.Event{
			Type:    audit.EventLoginFailed,
			Actor:   email,
			Summary: "Sign-in failed for " + email,
			Detail:  map[string]string{"remote_addr": ClientIP(r)},
		})
		switch {
		case errors.Is(err, ErrAccountDisabled):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "account disabled")
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password")
		default:
			h.logger.Error("authenticate", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "sign-in failed")
		}
		return
	}

	token, expiresAt, err := h.deps.Sessions.Create(r.Context(), user.ID, ClientMetaFromRequest(r))
	if err != nil {
		h.logger.Error("create session", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create session")
		return
	}
	h.setSessionCookie(w, token, expiresAt)
	h.record(audit.Event{
		Type:    audit.EventLoginSuccess,
		Actor:   user.ID,
		Summary: "Sign-in succeeded for " + user.Email,
		Detail:  map[string]string{"method": "password", "remote_addr": ClientIP(r)},
	})

	writeJSON(w, http.StatusOK, authResponse{User: user, ExpiresAt: expiresAt})
}

// SignOut deletes the current session and clears the cookie.
func (h *Handlers) SignOut(w http.ResponseWriter, r *http.Request) {
	if token := TokenFromRequest(r); token != "" && h.deps.Sessions != nil {
		if info, err := h.deps.Sessions.Lookup(r.Context(), token); err == nil {
			h.record(audit.Event{Type: audit.EventLogout, Actor: info.UserID, Summary: "Signed out"})
		}
		if err := h.deps.Sessions.Delete(r.Context(), token); err != nil {
			h.logger.Warn("delete session", zap.Error(err))
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sessionView struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session returns the current session and user, or nulls when there is none.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Session *sessionView `json:"session"`
		User    *UserInfo    `json:"user"`
	}{}

	if token := TokenFromRequest(r); token != "" && h.deps.Sessions != nil {
		if info, err := h.deps.Sessions.Lookup(r.Context(), token); err == nil && info != nil {
			resp.Session = &sessionView{CreatedAt: info.CreatedAt, ExpiresAt: info.ExpiresAt}
			resp.User = &UserInfo{
				ID:            info.UserID,
				Email:         info.Email,
				Name:          info.Name,
				Role:          info.Role,
				EmailVerified: info.EmailVerified,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendVerification issues a fresh verification email for the signed-in user.
func (h *Handlers) SendVerification(w http.ResponseWriter, r *http.Request) {
	info := h.currentSession(r)
	if info == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	if info.EmailVerified {
		writeJSON(w, http.StatusOK, map[string]any{"sent": false, "already_verified": true})
		return
	}

	user := &UserInfo{ID: info.UserID, Email: info.Email, Name: info.Name}
	warn := h.sendVerification(r, user)
	resp := map[string]any{"sent": warn == ""}
	if warn != "" {
		resp["warnings"] = []string{warn}
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyEmail consumes a verification token from ?token=.
func (h *Handlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing token")
		return
	}
	if h.deps.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", "email verification unavailable")
		return
	}

	userID, err := h.deps.Verifier.ConsumeVerification(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid or expired token")
			return
		}
		h.logger.Error("consume verification", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "verification failed")
		return
	}
	h.record(audit.Event{Type: audit.EventEmailVerified, Actor: userID, Target: userID, Summary: "Email verified"})
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// sendVerification returns a warning message, or "" on success.
func (h *Handlers) sendVerification(r *http.Request, user *UserInfo) string {
	if h.deps.Verifier == nil || h.deps.Mailer == nil {
		return ""
	}
	token, err := h.deps.Verifier.IssueVerification(r.Context(), user.Email)
	if err != nil {
		h.logger.Error("issue verification token", zap.String("user_id", user.ID), zap.Error(err))
		return "verification email could not be sent"
	}
	link := h.opts.BaseURL + "/api/auth/verify-email?token=" + url.QueryEscape(token)
	if err := h.deps.Mailer.SendVerification(r.Context(), user.Email, user.Name, link); err != nil {
		h.logger.Warn("send verification email", zap.String("user_id", user.ID), zap.Error(err))
		return "verification email could not be sent"
	}
	return ""
}

func (h *Handlers) currentSession(r *http.Request) *SessionInfo {
	token := TokenFromRequest(r)
	if token == "" || h.deps.Sessions == nil {
		return nil
	}
	info, err := h.deps.Sessions.Lookup(r.Context(), token)
	if err != nil {
		return nil
	}
	return info
}

func (h *Handlers) record(evt audit.Event) {
	if h.deps.Auditor != nil {
		h.deps.Auditor.Record(evt)
	}
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	SetSessionCookie(w, token, expiresAt, h.opts.SecureCookie)
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

// SetSessionCookie writes the session cookie expiring at expiresAt.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		Expires:  expiresAt,
	})
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type apiError struct {
	Error  string                `json:"error"`
	Code   string                `json:"code,omitempty"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return false
	}
	if n, ok := dst.(interface{ normalize() }); ok {
		n.normalize()
	}
	if err := validate.Struct(dst); err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid input", Code: "VALIDATION_FAILED", Fields: verr.Fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid input")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
