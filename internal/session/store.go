package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/ecoscan/internal/db"
)

const (
	DefaultLifetime  = 7 * 24 * time.Hour
	DefaultUpdateAge = 24 * time.Hour
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is an authenticated user session. ID is the bearer token.
type Session struct {
	ID         string    `json:"-"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastActive time.Time `json:"last_active"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// Meta is client information recorded when a session is created.
type Meta struct {
	IPAddress string
	UserAgent string
}

// Store manages sessions in the shared SQLite database.
type Store struct {
	db        *sql.DB
	lifetime  time.Duration
	updateAge time.Duration
	now       func() time.Time
}

// NewStore wraps db. Non-positive durations fall back to the defaults.
func NewStore(db *sql.DB, lifetime, updateAge time.Duration) *Store {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if updateAge <= 0 {
		updateAge = DefaultUpdateAge
	}
	return &Store{db: db, lifetime: lifetime, updateAge: updateAge, now: time.Now}
}

// Lifetime is the configured session lifetime.
func (s *Store) Lifetime() time.Duration { return s.lifetime }

// Create creates a new session for a user.
func (s *Store) Create(ctx context.Context, userID string, meta Meta) (*Session, error) {
	token, err := generateToken(32)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess := &Session{
		ID:         token,
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.lifetime),
		LastActive: now,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (token, user_id, created_at, expires_at, last_active, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.UserID,
		sess.CreatedAt.Format(db.TimeLayout),
		sess.ExpiresAt.Format(db.TimeLayout),
		sess.LastActive.Format(db.TimeLayout),
		sess.IPAddress,
		sess.UserAgent,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Lookup validates a token, checks expiry, refreshes last_active and slides
// the expiry forward once the session is older than the update age.
func (s *Store) Lookup(ctx context.Context, token string) (*Session, error) {
	sess, err := s.get(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if !now.Before(sess.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		return nil, ErrSessionExpired
	}

	if s.needsExtend(sess, now) {
		sess.ExpiresAt = now.Add(s.lifetime)
	}
	sess.LastActive = now
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active = ?, expires_at = ? WHERE token = ?`,
		now.Format(db.TimeLayout), sess.ExpiresAt.Format(db.TimeLayout), token); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return sess, nil
}

// Extend pushes the expiry of a live session to now + lifetime.
func (s *Store) Extend(ctx context.Context, token string) (*Session, error) {
	sess, err := s.get(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !now.Before(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	sess.ExpiresAt = now.Add(s.lifetime)
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE token = ?`,
		sess.ExpiresAt.Format(db.TimeLayout), token); err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	return sess, nil
}

// needsExtend reports whether the current expiry was set more than
// updateAge ago.
func (s *Store) needsExtend(sess *Session, now time.Time) bool {
	issued := sess.ExpiresAt.Add(-s.lifetime)
	return now.Sub(issued) >= s.updateAge
}

// Delete deletes a session by token.
func (s *Store) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByUser deletes all sessions for a user and returns how many.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions by user: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListByUser returns the user's sessions, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, user_id, created_at, expires_at, last_active, ip_address, user_agent
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// Cleanup deletes expired sessions and returns deleted row count.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UTC().Format(db.TimeLayout))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) get(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, user_id, created_at, expires_at, last_active, ip_address, user_agent
		FROM sessions WHERE token = ?`, token)
	return scanSession(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess                            Session
		createdAt, expiresAt, lastActive string
	)
	err := sc.Scan(&sess.ID, &sess.UserID, &createdAt, &expiresAt, &lastActive, &sess.IPAddress, &sess.UserAgent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if sess.LastActive, err = time.Parse(time.RFC3339Nano, lastActive); err != nil {
		return nil, fmt.Errorf("parse last_active: %w", err)
	}
	return &sess, nil
}

func generateToken(size int) (string, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
