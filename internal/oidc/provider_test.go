package oidc

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/users"
	"go.uber.org/zap"
)

type stubSessions struct {
	userID string
}

func (s *stubSessions) Create(_ context.Context, userID string, _ auth.ClientMeta) (string, time.Time, error) {
	s.userID = userID
	return "session-token", time.Now().Add(time.Hour), nil
}

type mockIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu         sync.Mutex
	nonce      string
	claims     map[string]any
	challenges []string
	verifiers  []string
}

func newMockIssuer(t *testing.T, clientID string) *mockIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	m := &mockIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 m.server.URL,
			"authorization_endpoint": m.server.URL + "/authorize",
			"token_endpoint":         m.server.URL + "/token",
			"jwks_uri":               m.server.URL + "/keys",
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		pub := &m.key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{{
			"kty": "RSA", "kid": "k1", "alg": "RS256", "use": "sig",
			"n": base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.verifiers = append(m.verifiers, r.FormValue("code_verifier"))
		m.mu.Unlock()
		idToken, err := m.signIDToken(clientID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		fmt.Fprintf(w, "access_token=at&token_type=Bearer&expires_in=300&id_token=%s", url.QueryEscape(idToken))
	})
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockIssuer) setClaims(nonce string, claims map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce, m.claims = nonce, claims
}

func (m *mockIssuer) signIDToken(clientID string) (string, error) {
	m.mu.Lock()
	payload := map[string]any{
		"iss": m.server.URL, "aud": clientID, "sub": "subject-1", "nonce": m.nonce,
		"iat": time.Now().Unix(), "exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	for k, v := range m.claims {
		payload[k] = v
	}
	m.mu.Unlock()

	h, _ := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "k1"})
	p, _ := json.Marshal(payload)
	input := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p)
	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func newTestUsers(t *testing.T) *users.Store {
	t.Helper()
	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "ecoscan.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return users.NewStore(conn)
}

func newTestProvider(t *testing.T, issuer *mockIssuer, mutate func(*Config)) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ProviderURL = issuer.server.URL
	cfg.ClientID = "ecoscan-web"
	cfg.ClientSecret = "secret"
	cfg.RedirectURL = "http://localhost/api/auth/oauth/callback"
	cfg.ProviderName = "Keycloak"
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(context.Background(), cfg, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

// login runs HandleLogin and returns the state cookie and decoded state.
func login(t *testing.T, p *Provider) (*http.Cookie, *callbackState, *url.URL) {
	t.Helper()
	rec := httptest.NewRecorder()
	p.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/api/auth/oauth/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d", rec.Code)
	}
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("state cookie not set")
	}
	st, err := decodeState(cookie.Value)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	return cookie, st, loc
}

func callback(p *Provider, store UserStore, sessions *stubSessions, cookie *http.Cookie, state string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/oauth/callback?code=c1&state="+url.QueryEscape(state), nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	p.HandleCallback(store, sessions, nil)(rec, req)
	return rec
}

func TestLoginRedirectUsesPKCE(t *testing.T) {
	issuer := newMockIssuer(t, "ecoscan-web")
	p := newTestProvider(t, issuer, nil)
	_, st, loc := login(t, p)

	q := loc.Query()
	if q.Get("state") != st.State || q.Get("nonce") != st.Nonce {
		t.Fatalf("state/nonce mismatch: %v", q)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") != pkceChallenge(st.CodeVerifier) {
		t.Fatalf("bad PKCE params: %v", q)
	}
}

func TestCallbackCreatesAndLinksUser(t *testing.T) {
	issuer := newMockIssuer(t, "ecoscan-web")
	p := newTestProvider(t, issuer, func(c *Config) {
		c.RoleMapping = map[string]string{"bin-crew": "WASTE_MANAGER", "root": "SUPERADMIN"}
	})
	store := newTestUsers(t)
	sessions := &stubSessions{}

	cookie, st, _ := login(t, p)
	issuer.setClaims(st.Nonce, map[string]any{
		"email": "Crew@Example.com", "email_verified": true, "name": "Crew Member",
		"groups": []any{"bin-crew", "root"},
	})
	rec := callback(p, store, sessions, cookie, st.State)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d body=%s", rec.Code, rec.Body.String())
	}
	if issuer.verifiers[0] != st.CodeVerifier {
		t.Fatal("code verifier not sent on exchange")
	}

	u, err := store.GetByEmail(context.Background(), "crew@example.com")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if u.Role != auth.RoleWasteManager || !u.EmailVerified || sessions.userID != u.ID {
		t.Fatalf("unexpected user %+v (session for %s)", u, sessions.userID)
	}
	linked, err := store.GetByAccount(context.Background(), "keycloak", "subject-1")
	if err != nil || linked.ID != u.ID {
		t.Fatalf("account not linked: %v", err)
	}

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			session = c
		}
	}
	if session == nil || session.Value != "session-token" {
		t.Fatal("session cookie missing")
	}
}

func TestCallbackRejects(t *testing.T) {
	issuer := newMockIssuer(t, "ecoscan-web")
	store := newTestUsers(t)

	t.Run("wrong state", func(t *testing.T) {
		p := newTestProvider(t, issuer, nil)
		cookie, _, _ := login(t, p)
		if rec := callback(p, store, &stubSessions{}, cookie, "forged"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("wrong nonce", func(t *testing.T) {
		p := newTestProvider(t, issuer, nil)
		cookie, st, _ := login(t, p)
		issuer.setClaims("other", map[string]any{"email": "n@example.com"})
		if rec := callback(p, store, &stubSessions{}, cookie, st.State); rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("auto create disabled", func(t *testing.T) {
		p := newTestProvider(t, issuer, func(c *Config) { c.AutoCreateUsers = false })
		cookie, st, _ := login(t, p)
		issuer.setClaims(st.Nonce, map[string]any{"email": "new@example.com", "email_verified": true})
		rec := callback(p, store, &stubSessions{}, cookie, st.State)
		if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "not provisioned") {
			t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unverified email cannot claim existing account", func(t *testing.T) {
		if _, err := store.Create(context.Background(), users.NewUser{Email: "owner@example.com", Name: "O", Password: "password1"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		p := newTestProvider(t, issuer, func(c *Config) { c.ProviderName = "other-idp" })
		cookie, st, _ := login(t, p)
		issuer.setClaims(st.Nonce, map[string]any{"email": "owner@example.com", "email_verified": false})
		if rec := callback(p, store, &stubSessions{}, cookie, st.State); rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestConfigNormalizeAndEnv(t *testing.T) {
	t.Setenv("ECOSCAN_OIDC_ENABLED", "yes")
	t.Setenv("ECOSCAN_OIDC_ROLE_MAPPING", "crew=waste_manager,ops=ADMIN,root=SUPERADMIN,bad=nobody")
	t.Setenv("ECOSCAN_OIDC_SCOPES", "openid, email ,openid")

	cfg := ApplyEnv(DefaultConfig())
	if !cfg.Enabled {
		t.Fatal("expected enabled")
	}
	want := map[string]string{"crew": "WASTE_MANAGER", "ops": "ADMIN"}
	if len(cfg.RoleMapping) != len(want) {
		t.Fatalf("role mapping = %v", cfg.RoleMapping)
	}
	for k, v := range want {
		if cfg.RoleMapping[k] != v {
			t.Fatalf("role mapping = %v", cfg.RoleMapping)
		}
	}
	if strings.Join(cfg.Scopes, ",") != "openid,email" {
		t.Fatalf("scopes = %v", cfg.Scopes)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "client_id, client_secret, provider_url, redirect_url") {
		t.Fatalf("validate = %v", err)
	}
	if name := (Config{ProviderURL: "https://accounts.google.com"}).EffectiveProviderName(); name != "Accounts" {
		t.Fatalf("provider name = %s", name)
	}
}
