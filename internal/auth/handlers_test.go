package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/ecoscan/internal/audit"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
	next     int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*SessionInfo{}}
}

func (f *fakeSessions) Create(_ context.Context, userID string, _ ClientMeta) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	token := strings.Repeat("a", 63) + string(rune('0'+f.next))
	exp := time.Now().Add(time.Hour)
	f.sessions[token] = &SessionInfo{Token: token, UserID: userID, Email: userID + "@example.com", Role: RoleUser, ExpiresAt: exp}
	return token, exp, nil
}

func (f *fakeSessions) Lookup(_ context.Context, token string) (*SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[token]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}

func (f *fakeSessions) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

type fakeUsers struct {
	password string
	disabled bool
	taken    map[string]bool
}

func (f *fakeUsers) Authenticate(_ context.Context, email, password string) (*UserInfo, error) {
	if f.disabled {
		return nil, ErrAccountDisabled
	}
	if password != f.password {
		return nil, ErrInvalidCredentials
	}
	return &UserInfo{ID: "u1", Email: email, Name: "Ann", Role: RoleUser}, nil
}

func (f *fakeUsers) Register(_ context.Context, email, name, _ string) (*UserInfo, error) {
	if f.taken[email] {
		return nil, ErrEmailTaken
	}
	return &UserInfo{ID: "u-new", Email: email, Name: name, Role: RoleUser}, nil
}

type fakeVerifier struct {
	issued   []string
	consumed map[string]string
}

func (f *fakeVerifier) IssueVerification(_ context.Context, email string) (string, error) {
	f.issued = append(f.issued, email)
	return "tok-" + email, nil
}

func (f *fakeVerifier) ConsumeVerification(_ context.Context, token string) (string, error) {
	id, ok := f.consumed[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return id, nil
}

type fakeMailer struct {
	fail  bool
	links []string
}

func (f *fakeMailer) SendWelcome(context.Context, string, string) error {
	if f.fail {
		return errors.New("smtp down")
	}
	return nil
}

func (f *fakeMailer) SendVerification(_ context.Context, _, _ string, link string) error {
	if f.fail {
		return errors.New("smtp down")
	}
	f.links = append(f.links, link)
	return nil
}

type recordingAuditor struct{ events []audit.Event }

func (r *recordingAuditor) Record(evt audit.Event) { r.events = append(r.events, evt) }

func newTestHandlers(users *fakeUsers, mailer *fakeMailer) (*Handlers, *fakeSessions, *recordingAuditor) {
	sessions := newFakeSessions()
	auditor := &recordingAuditor{}
	h := NewHandlers(HandlerDeps{
		Users:     users,
		Registrar: users,
		Sessions:  sessions,
		Verifier:  &fakeVerifier{consumed: map[string]string{"good": "u1"}},
		Mailer:    mailer,
		Auditor:   auditor,
	}, HandlerOptions{BaseURL: "https://eco.example/"}, nil)
	return h, sessions, auditor
}

func sessionCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

func TestSignIn_SetsCookieAndAudits(t *testing.T) {
	h, _, auditor := newTestHandlers(&fakeUsers{password: "correct horse"}, &fakeMailer{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in", strings.NewReader(`{"email":" Ann@Example.com ","password":"correct horse"}`))
	rr := httptest.NewRecorder()
	h.SignIn(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	c := sessionCookie(rr)
	if c == nil || c.Value == "" || !c.HttpOnly {
		t.Fatalf("expected http-only session cookie, got %+v", c)
	}
	var resp authResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.User.Email != "ann@example.com" {
		t.Fatalf("email should be normalized, got %q", resp.User.Email)
	}
	if len(auditor.events) != 1 || auditor.events[0].Type != audit.EventLoginSuccess {
		t.Fatalf("expected login success audit, got %+v", auditor.events)
	}
}

func TestSignIn_Failures(t *testing.T) {
	tests := []struct {
		name   string
		users  *fakeUsers
		body   string
		status int
		code   string
	}{
		{"bad password", &fakeUsers{password: "right"}, `{"email":"a@b.co","password":"wrong"}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"disabled", &fakeUsers{disabled: true}, `{"email":"a@b.co","password":"x"}`, http.StatusForbidden, "FORBIDDEN"},
		{"invalid email", &fakeUsers{}, `{"email":"nope","password":"x"}`, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"bad json", &fakeUsers{}, `{`, http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandlers(tt.users, &fakeMailer{})
			rr := httptest.NewRecorder()
			h.SignIn(rr, httptest.NewRequest(http.MethodPost, "/api/auth/sign-in", strings.NewReader(tt.body)))
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			var e apiError
			_ = json.NewDecoder(rr.Body).Decode(&e)
			if e.Code != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, e.Code)
			}
			if sessionCookie(rr) != nil {
				t.Fatal("no cookie expected on failure")
			}
		})
	}
}

func TestSignUp_SendsVerificationLink(t *testing.T) {
	mailer := &fakeMailer{}
	h, _, _ := newTestHandlers(&fakeUsers{}, mailer)

	rr := httptest.NewRecorder()
	h.SignUp(rr, httptest.NewRequest(http.MethodPost, "/api/auth/sign-up",
		strings.NewReader(`{"email":"new@example.com","password":"longpassword","name":"Newt"}`)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(mailer.links) != 1 || mailer.links[0] != "https://eco.example/api/auth/verify-email?token=tok-new%40example.com" {
		t.Fatalf("unexpected verification links %v", mailer.links)
	}
	var resp authResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", resp.Warnings)
	}
}

func TestSignUp_EmailFailureIsWarning(t *testing.T) {
	h, _, _ := newTestHandlers(&fakeUsers{}, &fakeMailer{fail: true})

	rr := httptest.NewRecorder()
	h.SignUp(rr, httptest.NewRequest(http.MethodPost, "/api/auth/sign-up",
		strings.NewReader(`{"email":"new@example.com","password":"longpassword","name":"Newt"}`)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("account creation must succeed despite email failure, got %d", rr.Code)
	}
	var resp authResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Warnings) != 2 {
		t.Fatalf("expected verification and welcome warnings, got %v", resp.Warnings)
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	h, _, _ := newTestHandlers(&fakeUsers{taken: map[string]bool{"dup@example.com": true}}, &fakeMailer{})
	rr := httptest.NewRecorder()
	h.SignUp(rr, httptest.NewRequest(http.MethodPost, "/api/auth/sign-up",
		strings.NewReader(`{"email":"DUP@example.com","password":"longpassword","name":"Dup"}`)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestSessionAndSignOut(t *testing.T) {
	h, sessions, _ := newTestHandlers(&fakeUsers{}, &fakeMailer{})
	token, _, _ := sessions.Create(context.Background(), "u1", ClientMeta{})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.Session(rr, req)
	if !strings.Contains(rr.Body.String(), `"id":"u1"`) {
		t.Fatalf("expected session user in body, got %s", rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	rr = httptest.NewRecorder()
	h.SignOut(rr, req)
	if c := sessionCookie(rr); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %+v", c)
	}
	if _, err := sessions.Lookup(context.Background(), token); err == nil {
		t.Fatal("session should be deleted after sign-out")
	}

	rr = httptest.NewRecorder()
	h.Session(rr, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	if strings.TrimSpace(rr.Body.String()) != `{"session":null,"user":null}` {
		t.Fatalf("expected null session, got %s", rr.Body.String())
	}
}

func TestVerifyEmail(t *testing.T) {
	h, _, auditor := newTestHandlers(&fakeUsers{}, &fakeMailer{})

	rr := httptest.NewRecorder()
	h.VerifyEmail(rr, httptest.NewRequest(http.MethodGet, "/api/auth/verify-email?token=good", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(auditor.events) != 1 || auditor.events[0].Type != audit.EventEmailVerified {
		t.Fatalf("expected verification audit event, got %+v", auditor.events)
	}

	rr = httptest.NewRecorder()
	h.VerifyEmail(rr, httptest.NewRequest(http.MethodGet, "/api/auth/verify-email?token=bad", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad token, got %d", rr.Code)
	}
}

func TestSendVerificationRequiresSession(t *testing.T) {
	h, _, _ := newTestHandlers(&fakeUsers{}, &fakeMailer{})
	rr := httptest.NewRecorder()
	h.SendVerification(rr, httptest.NewRequest(http.MethodPost, "/api/auth/send-verification", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if TokenFromRequest(req) != "" {
		t.Fatal("expected empty token")
	}
	req.Header.Set("Authorization", "bearer abc")
	if got := TokenFromRequest(req); got != "abc" {
		t.Fatalf("got %q", got)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-token"})
	if got := TokenFromRequest(req); got != "cookie-token" {
		t.Fatalf("cookie should win, got %q", got)
	}
}
