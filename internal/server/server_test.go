package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/config"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.QRCode.SigningKey = strings.Repeat("k", 32)
	cfg.Session.SecureCookie = false
	cfg.MaxBodyBytes = 4096
	return cfg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthzAndVersion(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	decode(t, resp, &health)
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, health)
	}

	resp, err = http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatal(err)
	}
	var ver map[string]string
	decode(t, resp, &ver)
	if ver["version"] != Version {
		t.Fatalf("version = %q, want %q", ver["version"], Version)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	// One procedure call so the histogram has a sample.
	resp, err := http.Get(ts.URL + "/api/rpc/campaign.active")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "ecoscan_") {
		t.Fatal("metrics output has no ecoscan series")
	}
}

func TestBootstrapAdminCreatedOnce(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	admin, err := srv.userStore.GetByEmail(ctx, BootstrapAdminEmail)
	if err != nil {
		t.Fatalf("bootstrap admin missing: %v", err)
	}
	if admin.Role != auth.RoleSuperadmin {
		t.Fatalf("bootstrap role = %s", admin.Role)
	}
	srv.Close()

	// Reopening the same data dir must not create a second admin.
	srv, err = New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	n, err := srv.userStore.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("user count = %d, want 1", n)
	}
}

func TestSignUpThenCallProcedureWithCookie(t *testing.T) {
	_, ts := newTestServer(t)

	body := `{"email":"Ada@Example.com","name":"Ada","password":"correct horse"}`
	resp, err := http.Post(ts.URL+"/api/auth/sign-up", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sign-up status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/auth/sign-in", "application/json",
		strings.NewReader(`{"email":"ada@example.com","password":"correct horse"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName {
			cookie = c
		}
	}
	if resp.StatusCode != http.StatusOK || cookie == nil {
		t.Fatalf("sign-in status = %d, cookie = %v", resp.StatusCode, cookie)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/rpc/user.me", nil)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var me struct {
		Result struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		} `json:"result"`
	}
	decode(t, resp, &me)
	if resp.StatusCode != http.StatusOK || me.Result.Email != "ada@example.com" || me.Result.Role != string(auth.RoleUser) {
		t.Fatalf("user.me = %d %+v", resp.StatusCode, me.Result)
	}

	// Without the cookie the same call is rejected.
	resp, err = http.Get(ts.URL + "/api/rpc/user.me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous user.me = %d", resp.StatusCode)
	}
}

func TestProcedureIndexAndMethodRules(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rpc")
	if err != nil {
		t.Fatal(err)
	}
	var idx struct {
		Procedures []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"procedures"`
	}
	decode(t, resp, &idx)
	if len(idx.Procedures) == 0 {
		t.Fatal("empty procedure index")
	}

	resp, err = http.Get(ts.URL + "/api/rpc/wasteBin.create")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET mutation = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/rpc/nope.nothing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown procedure = %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	_, ts := newTestServer(t)
	big := `{"email":"a@b.co","name":"` + strings.Repeat("x", 8192) + `","password":"longenough"}`
	resp, err := http.Post(ts.URL+"/api/auth/sign-up", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body = %d", resp.StatusCode)
	}
}

func TestOAuthDisabledReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/auth/oauth/login")
	if err != nil {
		t.Fatal(err)
	}
	var e APIError
	decode(t, resp, &e)
	if resp.StatusCode != http.StatusNotFound || e.Error.Code != "NOT_FOUND" {
		t.Fatalf("oauth login = %d %+v", resp.StatusCode, e)
	}
}
