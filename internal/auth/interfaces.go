package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/ecoscan/internal/audit"
)

// SessionCookieName is the browser cookie used for authenticated sessions.
const SessionCookieName = "ecoscan_session"

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// ClientMeta is recorded with each new session.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// ClientMetaFromRequest extracts the remote address and user agent.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	return ClientMeta{IPAddress: ClientIP(r), UserAgent: r.UserAgent()}
}

// SessionInfo is a resolved session joined with its user.
type SessionInfo struct {
	Token         string    `json:"-"`
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *SessionInfo) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionLookup resolves a session token. Implementations return an error
// for unknown, expired or disabled-user sessions.
type SessionLookup interface {
	Lookup(ctx context.Context, token string) (*SessionInfo, error)
}

// SessionCreator creates a new session token for the user.
type SessionCreator interface {
	Create(ctx context.Context, userID string, meta ClientMeta) (token string, expiresAt time.Time, err error)
}

// SessionDeleter invalidates an existing session token.
type SessionDeleter interface {
	Delete(ctx context.Context, token string) error
}

// SessionManager is the full session capability used by the auth handlers.
type SessionManager interface {
	SessionLookup
	SessionCreator
	SessionDeleter
}

// UserInfo is the identity returned by sign-in and sign-up.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          Role   `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}

// UserAuthenticator validates email/password credentials.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, email, password string) (*UserInfo, error)
}

// UserRegistrar creates USER accounts from sign-up.
type UserRegistrar interface {
	Register(ctx context.Context, email, name, password string) (*UserInfo, error)
}

// EmailVerifier issues and consumes email verification tokens.
type EmailVerifier interface {
	IssueVerification(ctx context.Context, email string) (token string, err error)
	// ConsumeVerification marks the owning user verified and returns its id.
	ConsumeVerification(ctx context.Context, token string) (userID string, err error)
}

// Mailer sends the account emails triggered by auth flows.
type Mailer interface {
	SendWelcome(ctx context.Context, to, name string) error
	SendVerification(ctx context.Context, to, name, link string) error
}

// AuditRecorder records auth audit events.
type AuditRecorder interface {
	Record(evt audit.Event)
}

// TokenFromRequest returns the session token from the ecoscan_session cookie
// or an "Authorization: Bearer" header, or "" when neither is present.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
