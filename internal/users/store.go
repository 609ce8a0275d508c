package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/points"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserDisabled       = errors.New("user disabled")
	ErrEmailAlreadyUsed   = errors.New("email already registered")
	ErrInsufficientPoints = errors.New("insufficient points")
)

// User is an ecoscan account. Level is derived from Points on every read.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	PasswordHash  string     `json:"-"`
	Role          auth.Role  `json:"role"`
	Points        int        `json:"points"`
	Level         int        `json:"level"`
	Active        bool       `json:"active"`
	EmailVerified bool       `json:"email_verified"`
	Image         string     `json:"image,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// NewUser carries the fields needed to create an account. An empty Password
// creates an OAuth-only account.
type NewUser struct {
	Email         string
	Name          string
	Password      string
	Role          auth.Role
	Image         string
	EmailVerified bool
}

// Store manages users persisted in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, email, name, password_hash, role, points, active, email_verified, image, created_at, updated_at, last_login`

// Create creates a user with a generated UUID and bcrypt password hash.
func (s *Store) Create(ctx context.Context, nu NewUser) (*User, error) {
	if nu.Role == "" {
		nu.Role = auth.RoleUser
	}
	if !nu.Role.Valid() {
		return nil, ErrInvalidRole
	}
	email := strings.ToLower(strings.TrimSpace(nu.Email))
	if email == "" {
		return nil, fmt.Errorf("email required")
	}

	hash := ""
	if nu.Password != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(nu.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(raw)
	}

	now := time.Now().UTC()
	u := &User{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          strings.TrimSpace(nu.Name),
		PasswordHash:  hash,
		Role:          nu.Role,
		Level:         points.LevelFor(0),
		Active:        true,
		EmailVerified: nu.EmailVerified,
		Image:         nu.Image,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, name, password_hash, role, points, level, active, email_verified, image, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 1, 1, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), db.BoolInt(u.EmailVerified), u.Image,
		now.Format(db.TimeLayout), now.Format(db.TimeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.email") {
			return nil, ErrEmailAlreadyUsed
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Get fetches a user by ID.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetByEmail fetches a user by email, case-insensitively.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

// ListFilter narrows List. Limit defaults to 20, capped at 100.
type ListFilter struct {
	Role   auth.Role
	Search string
	Limit  int
	Offset int
}

// List returns a page of users and the total matching count.
func (s *Store) List(ctx context.Context, f ListFilter) ([]User, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.Role != "" {
		where += " AND role = ?"
		args = append(args, string(f.Role))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		where += " AND (name LIKE ? ESCAPE '\\' OR email LIKE ? ESCAPE '\\')"
		pattern := "%" + db.EscapeLike(strings.ToLower(q)) + "%"
		args = append(args, pattern, pattern)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	limit := db.ClampLimit(f.Limit, 20, 100)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out, err := collectUsers(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Leaderboard returns the top active users by points.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]User, error) {
	limit = db.ClampLimit(limit, 10, 100)
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE active = 1
		ORDER BY points DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// Stats summarises the user base.
type Stats struct {
	Total       int               `json:"total"`
	Active      int               `json:"active"`
	Verified    int               `json:"verified"`
	TotalPoints int               `json:"total_points"`
	ByRole      map[auth.Role]int `json:"by_role"`
}

// Stats counts users per role and overall.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByRole: map[auth.Role]int{}}
	for _, r := range auth.Roles() {
		st.ByRole[r] = 0
	}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(active), 0), COALESCE(SUM(email_verified), 0), COALESCE(SUM(points), 0) FROM users`).
		Scan(&st.Total, &st.Active, &st.Verified, &st.TotalPoints)
	if err != nil {
		return nil, fmt.Errorf("user totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("users by role: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role string
			n    int
		)
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("scan role count: %w", err)
		}
		st.ByRole[auth.Role(role)] = n
	}
	return st, rows.Err()
}

// Authenticate checks email/password and updates last_login.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.HasPassword() {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrUserDisabled
	}

	if err := s.TouchLogin(ctx, u.ID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u.LastLogin = &now
	return u, nil
}

// TouchLogin records a successful sign-in.
func (s *Store) TouchLogin(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(db.TimeLayout)
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("update last_login: %w", err)
	}
	return nil
}

// UpdateProfile updates name and image.
func (s *Store) UpdateProfile(ctx context.Context, id, name, image string) (*User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = ?, image = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(name), image, time.Now().UTC().Format(db.TimeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if err := db.CheckRowsAffected(res, ErrUserNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// UpdatePassword replaces the password hash.
func (s *Store) UpdatePassword(ctx context.Context, id, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		string(hash), time.Now().UTC().Format(db.TimeLayout), id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return db.CheckRowsAffected(res, ErrUserNotFound)
}

// UpdateRole changes a user's role and deletes their sessions in the same
// transaction. Either both happen or neither does.
func (s *Store) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	return db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
			string(role), db.Now(), id)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		if err := db.CheckRowsAffected(res, ErrUserNotFound); err != nil {
			return err
		}
		return revokeSessionsTx(ctx, tx, id)
	})
}

// SetActive enables or disables an account. Disabling also deletes the
// user's sessions in the same transaction.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET active = ?, updated_at = ? WHERE id = ?`,
			db.BoolInt(active), db.Now(), id)
		if err != nil {
			return fmt.Errorf("set active: %w", err)
		}
		if err := db.CheckRowsAffected(res, ErrUserNotFound); err != nil {
			return err
		}
		if active {
			return nil
		}
		return revokeSessionsTx(ctx, tx, id)
	})
}

func revokeSessionsTx(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// MarkEmailVerified flags the user's email as verified.
func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET email_verified = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(db.TimeLayout), id)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return db.CheckRowsAffected(res, ErrUserNotFound)
}

// Count returns the number of users.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func scanUser(sc db.Scanner) (*User, error) {
	var (
		u                    User
		role                 string
		active, verified     int
		createdAt, updatedAt string
		lastLogin            sql.NullString
	)
	err := sc.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.Points, &active, &verified,
		&u.Image, &createdAt, &updatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Role = auth.Role(role)
	u.Level = points.LevelFor(u.Points)
	u.Active = active == 1
	u.EmailVerified = verified == 1
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if lastLogin.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastLogin.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_login: %w", err)
		}
		u.LastLogin = &t
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users rows: %w", err)
	}
	return out, nil
}
