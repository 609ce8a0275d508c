package users

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/session"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "ecoscan.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewStore(conn), conn
}

func mustCreate(t *testing.T, s *Store, email, password string, role auth.Role) *User {
	t.Helper()
	u, err := s.Create(context.Background(), NewUser{Email: email, Name: "Test " + email, Password: password, Role: role})
	if err != nil {
		t.Fatalf("create %s: %v", email, err)
	}
	return u
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u := mustCreate(t, s, "  Alice@Example.COM ", "hunter22hunter", "")
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalised: %q", u.Email)
	}
	if u.Role != auth.RoleUser {
		t.Fatalf("default role = %s, want USER", u.Role)
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Points != 0 || got.Level != 1 || !got.Active || got.EmailVerified {
		t.Fatalf("unexpected new user state: %+v", got)
	}
	if !got.HasPassword() {
		t.Fatal("expected password hash")
	}

	byEmail, err := s.GetByEmail(ctx, "ALICE@example.com")
	if err != nil || byEmail.ID != u.ID {
		t.Fatalf("get by email: %v %+v", err, byEmail)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreateRejectsDuplicateEmailAndBadRole(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "dup@example.com", "password123", auth.RoleUser)

	if _, err := s.Create(ctx, NewUser{Email: "DUP@example.com", Password: "password123"}); !errors.Is(err, ErrEmailAlreadyUsed) {
		t.Fatalf("expected ErrEmailAlreadyUsed, got %v", err)
	}
	if _, err := s.Create(ctx, NewUser{Email: "x@example.com", Role: "ROOT"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := mustCreate(t, s, "bob@example.com", "correct-horse", auth.RoleUser)
	oauthOnly := mustCreate(t, s, "oauth@example.com", "", auth.RoleUser)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"ok", "bob@example.com", "correct-horse", nil},
		{"wrong password", "bob@example.com", "nope", ErrInvalidCredentials},
		{"unknown email", "nobody@example.com", "correct-horse", ErrInvalidCredentials},
		{"no password set", oauthOnly.Email, "", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Authenticate(ctx, tt.email, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (got.ID != u.ID || got.LastLogin == nil) {
				t.Fatalf("unexpected user %+v", got)
			}
		})
	}

	if err := s.SetActive(ctx, u.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := s.Authenticate(ctx, "bob@example.com", "correct-horse"); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

func TestUpdateRoleProfileAndPassword(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := mustCreate(t, s, "carol@example.com", "original-pw", auth.RoleUser)

	if err := s.UpdateRole(ctx, u.ID, auth.RoleWasteManager); err != nil {
		t.Fatalf("update role: %v", err)
	}
	if err := s.UpdateRole(ctx, u.ID, "JANITOR"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if err := s.UpdateRole(ctx, "missing", auth.RoleAdmin); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	updated, err := s.UpdateProfile(ctx, u.ID, " Carol C ", "https://img.example.com/c.png")
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Name != "Carol C" || updated.Role != auth.RoleWasteManager {
		t.Fatalf("unexpected profile %+v", updated)
	}

	if err := s.UpdatePassword(ctx, u.ID, "second-pw"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if _, err := s.Authenticate(ctx, u.Email, "original-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := s.Authenticate(ctx, u.Email, "second-pw"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestListFilterAndSearch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "dana@example.com", "password1", auth.RoleUser)
	mustCreate(t, s, "eve@example.com", "password1", auth.RoleAdmin)
	mustCreate(t, s, "frank_100@example.com", "password1", auth.RoleUser)

	all, total, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("total=%d len=%d, want 3", total, len(all))
	}

	admins, total, err := s.List(ctx, ListFilter{Role: auth.RoleAdmin})
	if err != nil || total != 1 || admins[0].Email != "eve@example.com" {
		t.Fatalf("role filter: err=%v total=%d %+v", err, total, admins)
	}

	// underscore is literal, not a wildcard
	found, total, err := s.List(ctx, ListFilter{Search: "_100"})
	if err != nil || total != 1 || found[0].Email != "frank_100@example.com" {
		t.Fatalf("search: err=%v total=%d %+v", err, total, found)
	}

	page, total, err := s.List(ctx, ListFilter{Limit: 2, Offset: 2})
	if err != nil || total != 3 || len(page) != 1 {
		t.Fatalf("paging: err=%v total=%d len=%d", err, total, len(page))
	}
}

func TestCreditDebitAndLeaderboard(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "a@example.com", "password1", auth.RoleUser)
	b := mustCreate(t, s, "b@example.com", "password1", auth.RoleUser)

	var bal Balance
	err := db.InTx(ctx, conn, func(tx *sql.Tx) error {
		var err error
		bal, err = CreditPointsTx(ctx, tx, a.ID, 120)
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if bal.OldPoints != 0 || bal.NewPoints != 120 || bal.NewLevel != 2 || !bal.LeveledUp() {
		t.Fatalf("unexpected balance %+v", bal)
	}

	err = db.InTx(ctx, conn, func(tx *sql.Tx) error {
		_, err := DebitPointsTx(ctx, tx, a.ID, 500)
		return err
	})
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}

	err = db.InTx(ctx, conn, func(tx *sql.Tx) error {
		var err error
		bal, err = DebitPointsTx(ctx, tx, a.ID, 50)
		return err
	})
	if err != nil || bal.NewPoints != 70 || bal.NewLevel != 1 {
		t.Fatalf("debit: err=%v %+v", err, bal)
	}

	err = db.InTx(ctx, conn, func(tx *sql.Tx) error {
		_, err := CreditPointsTx(ctx, tx, b.ID, 10)
		return err
	})
	if err != nil {
		t.Fatalf("credit b: %v", err)
	}

	board, err := s.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 || board[0].ID != a.ID || board[0].Points != 70 {
		t.Fatalf("unexpected leaderboard %+v", board)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 2 || st.TotalPoints != 80 || st.ByRole[auth.RoleUser] != 2 || st.ByRole[auth.RoleAdmin] != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestAccounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := mustCreate(t, s, "gina@example.com", "", auth.RoleUser)

	if _, err := s.LinkAccount(ctx, u.ID, "keycloak", "sub-123"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := s.LinkAccount(ctx, u.ID, "keycloak", "sub-123"); !errors.Is(err, ErrAccountAlreadyLinked) {
		t.Fatalf("expected ErrAccountAlreadyLinked, got %v", err)
	}

	got, err := s.GetByAccount(ctx, "keycloak", "sub-123")
	if err != nil || got.ID != u.ID {
		t.Fatalf("get by account: %v %+v", err, got)
	}
	if _, err := s.GetByAccount(ctx, "keycloak", "other"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	accts, err := s.Accounts(ctx, u.ID)
	if err != nil || len(accts) != 1 {
		t.Fatalf("accounts: %v %+v", err, accts)
	}
}

func TestVerificationLifecycle(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	u := mustCreate(t, s, "hal@example.com", "password1", auth.RoleUser)

	first, err := s.IssueVerification(ctx, u.Email, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := s.IssueVerification(ctx, u.Email, time.Hour)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if _, err := s.ConsumeVerification(ctx, first); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("replaced token should be invalid, got %v", err)
	}

	id, err := s.ConsumeVerification(ctx, second)
	if err != nil || id != u.ID {
		t.Fatalf("consume: %v id=%s", err, id)
	}
	got, _ := s.Get(ctx, u.ID)
	if !got.EmailVerified {
		t.Fatal("email not marked verified")
	}
	if _, err := s.ConsumeVerification(ctx, second); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("token reuse should fail, got %v", err)
	}

	expired, err := s.IssueVerification(ctx, u.Email, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(db.TimeLayout)
	if _, err := conn.Exec(`UPDATE verifications SET expires_at = ? WHERE token = ?`, past, expired); err != nil {
		t.Fatalf("age token: %v", err)
	}
	if _, err := s.ConsumeVerification(ctx, expired); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("expired token should fail, got %v", err)
	}
	n, err := s.CleanupVerifications(ctx)
	if err != nil || n != 1 {
		t.Fatalf("cleanup: n=%d err=%v", n, err)
	}
}

func TestDeleteRemovesDependents(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	u := mustCreate(t, s, "ivy@example.com", "password1", auth.RoleUser)
	keep := mustCreate(t, s, "keep@example.com", "password1", auth.RoleUser)

	now := time.Now().UTC()
	for _, owner := range []string{u.ID, keep.ID} {
		_, err := conn.Exec(`INSERT INTO sessions (token, user_id, created_at, expires_at, last_active, ip_address, user_agent) VALUES (?, ?, ?, ?, ?, '', '')`,
			"tok-"+owner, owner, now.Format(db.TimeLayout), now.Add(time.Hour).Format(db.TimeLayout), now.Format(db.TimeLayout))
		if err != nil {
			t.Fatalf("insert session: %v", err)
		}
	}
	if _, err := s.LinkAccount(ctx, u.ID, "keycloak", "ivy"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := s.IssueVerification(ctx, u.Email, time.Hour); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := s.Delete(ctx, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, u.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("user still present: %v", err)
	}

	for table, want := range map[string]int{"sessions": 1, "accounts": 0, "verifications": 0} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != want {
			t.Fatalf("%s rows = %d, want %d", table, n, want)
		}
	}

	if err := s.Delete(ctx, u.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestDeleteRollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM users WHERE id = \?`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec(`DELETE FROM sessions WHERE user_id = \?`).WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM accounts WHERE user_id = \?`).WithArgs("u1").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = NewStore(conn).Delete(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRoleAndDeactivationRevokeSessions(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	sessions := session.NewStore(conn, time.Hour, time.Hour)
	u := mustCreate(t, s, "dave@example.com", "password-1", auth.RoleAdmin)

	countSessions := func() int {
		t.Helper()
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, u.ID).Scan(&n); err != nil {
			t.Fatalf("count sessions: %v", err)
		}
		return n
	}

	for i := 0; i < 2; i++ {
		if _, err := sessions.Create(ctx, u.ID, session.Meta{}); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}
	if err := s.UpdateRole(ctx, u.ID, auth.RoleUser); err != nil {
		t.Fatalf("update role: %v", err)
	}
	if n := countSessions(); n != 0 {
		t.Fatalf("sessions after role change = %d", n)
	}

	if _, err := sessions.Create(ctx, u.ID, session.Meta{}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.SetActive(ctx, u.ID, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if n := countSessions(); n != 1 {
		t.Fatalf("activation removed sessions: %d left", n)
	}
	if err := s.SetActive(ctx, u.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if n := countSessions(); n != 0 {
		t.Fatalf("sessions after deactivation = %d", n)
	}
}

func TestUpdateRoleRollsBackWhenRevocationFails(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET role = \?`).WithArgs("USER", sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions WHERE user_id = \?`).WithArgs("u1").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	if err := NewStore(conn).UpdateRole(context.Background(), "u1", auth.RoleUser); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
