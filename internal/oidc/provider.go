// Package oidc implements optional OpenID Connect sign-in with the
// authorization code flow and PKCE.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/users"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	stateCookieName = "ecoscan_oidc_state"
	stateCookiePath = "/api/auth/oauth"
	stateCookieTTL  = 5 * time.Minute
	entropyBytes    = 32
)

var (
	ErrNotProvisioned = errors.New("user not provisioned")
	ErrMissingSubject = errors.New("oidc subject claim missing")
	ErrMissingEmail   = errors.New("oidc email claim missing")
)

// UserStore is the user persistence needed to link identities.
type UserStore interface {
	GetByAccount(ctx context.Context, provider, providerAccountID string) (*users.User, error)
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	Create(ctx context.Context, nu users.NewUser) (*users.User, error)
	LinkAccount(ctx context.Context, userID, provider, providerAccountID string) (*users.Account, error)
}

// Options tune the HTTP side of the flow.
type Options struct {
	SecureCookies bool
	// AfterLogin is the redirect target once the session is set.
	AfterLogin string
}

// Provider handles the login redirect and the callback.
type Provider struct {
	config   Config
	opts     Options
	verifier *gooidc.IDTokenVerifier
	oauth2   oauth2.Config
	logger   *zap.Logger
}

type callbackState struct {
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier"`
	ExpiresAt    int64  `json:"expires_at"`
}

// NewProvider discovers the issuer metadata and builds a provider.
func NewProvider(ctx context.Context, cfg Config, opts Options, logger *zap.Logger) (*Provider, error) {
	cfg = cfg.normalize()
	if !cfg.Enabled {
		return nil, errors.New("oidc disabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AfterLogin == "" {
		opts.AfterLogin = "/"
	}

	discovery, err := gooidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	return &Provider{
		config:   cfg,
		opts:     opts,
		verifier: discovery.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     discovery.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       append([]string{}, cfg.Scopes...),
		},
		logger: logger.Named("oidc"),
	}, nil
}

// Name is the provider key stored on linked accounts.
func (p *Provider) Name() string {
	return strings.ToLower(p.config.EffectiveProviderName())
}

// HandleLogin redirects to the identity provider.
func (p *Provider) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var st callbackState
	for _, dst := range []*string{&st.State, &st.Nonce, &st.CodeVerifier} {
		v, err := randomToken(entropyBytes)
		if err != nil {
			http.Error(w, "failed to start oidc login", http.StatusInternalServerError)
			return
		}
		*dst = v
	}
	st.ExpiresAt = time.Now().Add(stateCookieTTL).Unix()
	encoded, err := encodeState(st)
	if err != nil {
		http.Error(w, "failed to start oidc login", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    encoded,
		Path:     stateCookiePath,
		HttpOnly: true,
		Secure:   p.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateCookieTTL.Seconds()),
	})

	authURL := p.oauth2.AuthCodeURL(st.State,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("nonce", st.Nonce),
		oauth2.S256ChallengeOption(st.CodeVerifier),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback finishes the flow, links or creates the user and sets the
// session cookie.
func (p *Provider) HandleCallback(store UserStore, sessions auth.SessionCreator, auditor auth.AuditRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stateCookie, err := r.Cookie(stateCookieName)
		if err != nil || strings.TrimSpace(stateCookie.Value) == "" {
			http.Error(w, "missing oidc state", http.StatusUnauthorized)
			return
		}
		stored, err := decodeState(stateCookie.Value)
		if err != nil {
			http.Error(w, "invalid oidc state", http.StatusUnauthorized)
			return
		}
		if time.Now().Unix() > stored.ExpiresAt {
			http.Error(w, "oidc state expired", http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("state"); got == "" || got != stored.State {
			http.Error(w, "invalid oidc state", http.StatusUnauthorized)
			return
		}
		p.clearStateCookie(w)

		code := strings.TrimSpace(r.URL.Query().Get("code"))
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			return
		}

		tok, err := p.oauth2.Exchange(r.Context(), code, oauth2.VerifierOption(stored.CodeVerifier))
		if err != nil {
			p.logger.Warn("token exchange failed", zap.Error(err))
			http.Error(w, "oidc token exchange failed", http.StatusUnauthorized)
			return
		}
		rawIDToken, _ := tok.Extra("id_token").(string)
		if rawIDToken == "" {
			http.Error(w, "oidc provider did not return id_token", http.StatusUnauthorized)
			return
		}
		idToken, err := p.verifier.Verify(r.Context(), rawIDToken)
		if err != nil {
			http.Error(w, "invalid oidc id_token", http.StatusUnauthorized)
			return
		}
		if idToken.Nonce == "" || idToken.Nonce != stored.Nonce {
			http.Error(w, "invalid oidc nonce", http.StatusUnauthorized)
			return
		}
		claims := map[string]any{}
		if err := idToken.Claims(&claims); err != nil {
			http.Error(w, "invalid oidc claims", http.StatusUnauthorized)
			return
		}

		user, err := p.reconcileUser(r.Context(), store, claims)
		switch {
		case errors.Is(err, ErrNotProvisioned):
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		case err != nil:
			p.logger.Warn("oidc user reconcile failed", zap.Error(err))
			http.Error(w, "oidc sign-in failed", http.StatusUnauthorized)
			return
		case !user.Active:
			http.Error(w, "account disabled", http.StatusForbidden)
			return
		}

		token, expiresAt, err := sessions.Create(r.Context(), user.ID, auth.ClientMetaFromRequest(r))
		if err != nil {
			p.logger.Error("create session", zap.String("user_id", user.ID), zap.Error(err))
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		if auditor != nil {
			auditor.Record(audit.Event{Type: audit.EventLoginSuccess, Actor: user.ID, Target: user.ID,
				Summary: "Signed in with " + p.config.EffectiveProviderName()})
		}
		auth.SetSessionCookie(w, token, expiresAt, p.opts.SecureCookies)
		http.Redirect(w, r, p.opts.AfterLogin, http.StatusFound)
	}
}

// reconcileUser finds the user linked to the subject, links an existing
// user with the same verified email, or creates one. Roles of existing
// users are never changed from claims.
func (p *Provider) reconcileUser(ctx context.Context, store UserStore, claims map[string]any) (*users.User, error) {
	sub := claimString(claims, "sub")
	if sub == "" {
		return nil, ErrMissingSubject
	}
	provider := p.Name()

	user, err := store.GetByAccount(ctx, provider, sub)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup linked account: %w", err)
	}

	email := auth.NormalizeEmail(claimString(claims, "email"))
	if email == "" {
		return nil, ErrMissingEmail
	}
	verified, _ := claims["email_verified"].(bool)

	user, err = store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !verified {
			return nil, errors.New("oidc email not verified; cannot link existing account")
		}
	case errors.Is(err, users.ErrUserNotFound):
		if !p.config.AutoCreateUsers {
			return nil, ErrNotProvisioned
		}
		name := firstNonEmpty(claimString(claims, "name"), claimString(claims, "preferred_username"), email)
		user, err = store.Create(ctx, users.NewUser{
			Email:         email,
			Name:          name,
			Role:          p.resolveRole(claims),
			Image:         claimString(claims, "picture"),
			EmailVerified: verified,
		})
		if err != nil {
			return nil, fmt.Errorf("create oidc user: %w", err)
		}
		p.logger.Info("created user from oidc", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	default:
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	if _, err := store.LinkAccount(ctx, user.ID, provider, sub); err != nil {
		return nil, fmt.Errorf("link account: %w", err)
	}
	return user, nil
}

// resolveRole picks the highest mapped role among the role claim values.
func (p *Provider) resolveRole(claims map[string]any) auth.Role {
	best := auth.Role(p.config.DefaultRole)
	for _, v := range claimAsStrings(claims[p.config.RoleClaim]) {
		if r := mappableRole(p.config.RoleMapping[v]); r != "" && r.Rank() > best.Rank() {
			best = r
		}
	}
	return best
}

func claimAsStrings(v any) []string {
	var out []string
	switch typed := v.(type) {
	case string:
		if s := strings.TrimSpace(typed); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func claimString(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (p *Provider) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Path:     stateCookiePath,
		HttpOnly: true,
		Secure:   p.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func encodeState(state callbackState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeState(encoded string) (*callbackState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	var out callbackState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out.State == "" || out.Nonce == "" || out.CodeVerifier == "" {
		return nil, errors.New("incomplete state payload")
	}
	return &out, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// pkceChallenge is the S256 code challenge for verifier.
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
