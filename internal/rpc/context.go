package rpc

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"go.uber.org/zap"
)

// Context is the per-request state handed to guards and handlers. Session
// is nil for anonymous requests.
type Context struct {
	RequestID string
	Session   *auth.SessionInfo
	IPAddress string
	UserAgent string
	// Now is the request time used for expiry checks.
	Now time.Time

	mu       sync.Mutex
	warnings []string
}

// Authenticated reports whether a session was resolved.
func (c *Context) Authenticated() bool { return c != nil && c.Session != nil }

// UserID returns the session user's id, or "".
func (c *Context) UserID() string {
	if !c.Authenticated() {
		return ""
	}
	return c.Session.UserID
}

// Role returns the session user's role, or "".
func (c *Context) Role() auth.Role {
	if !c.Authenticated() {
		return ""
	}
	return c.Session.Role
}

// Warn attaches a non-fatal warning to the response.
func (c *Context) Warn(msg string) {
	if msg == "" {
		return
	}
	c.mu.Lock()
	c.warnings = append(c.warnings, msg)
	c.mu.Unlock()
}

// Warnings returns the warnings collected so far.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...)
}

// ContextBuilder resolves the caller's session for each request. It never
// fails: any problem resolving the session yields an anonymous Context.
type ContextBuilder struct {
	sessions auth.SessionLookup
	logger   *zap.Logger
	now      func() time.Time
}

// NewContextBuilder creates a builder backed by sessions.
func NewContextBuilder(sessions auth.SessionLookup, logger *zap.Logger) *ContextBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextBuilder{sessions: sessions, logger: logger.Named("context"), now: time.Now}
}

// Build creates the Context for r. The session store is consulted on
// every call.
func (b *ContextBuilder) Build(r *http.Request) *Context {
	c := &Context{
		RequestID: uuid.NewString(),
		IPAddress: auth.ClientIP(r),
		UserAgent: r.UserAgent(),
		Now:       b.now().UTC(),
	}
	if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 128 {
		c.RequestID = id
	}

	token := auth.TokenFromRequest(r)
	if token == "" || b.sessions == nil {
		return c
	}
	info, err := b.sessions.Lookup(r.Context(), token)
	if err != nil {
		b.logger.Debug("session not resolved", zap.String("request_id", c.RequestID), zap.Error(err))
		return c
	}
	if info == nil || info.Expired(c.Now) {
		return c
	}
	c.Session = info
	return c
}
