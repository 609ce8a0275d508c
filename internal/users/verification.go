package users

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
)

// DefaultVerificationTTL is how long an email verification link stays valid.
const DefaultVerificationTTL = 24 * time.Hour

var ErrVerificationInvalid = errors.New("verification token invalid or expired")

// IssueVerification stores a new verification token for email, replacing
// any earlier ones.
func (s *Store) IssueVerification(ctx context.Context, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	token := hex.EncodeToString(raw)
	email = strings.ToLower(strings.TrimSpace(email))
	now := time.Now().UTC()

	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM verifications WHERE identifier = ?`, email); err != nil {
			return fmt.Errorf("clear old verifications: %w", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO verifications (id, identifier, token, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), email, token, now.Add(ttl).Format(db.TimeLayout), now.Format(db.TimeLayout))
		if err != nil {
			return fmt.Errorf("insert verification: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeVerification marks the token owner's email verified, deletes the
// token, and returns the user id.
func (s *Store) ConsumeVerification(ctx context.Context, token string) (string, error) {
	var userID string
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var email, expiresAt string
		err := tx.QueryRowContext(ctx, `SELECT identifier, expires_at FROM verifications WHERE token = ?`, token).Scan(&email, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVerificationInvalid
		}
		if err != nil {
			return fmt.Errorf("lookup verification: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM verifications WHERE token = ?`, token); err != nil {
			return fmt.Errorf("delete verification: %w", err)
		}

		exp, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil || !time.Now().UTC().Before(exp) {
			return ErrVerificationInvalid
		}

		err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVerificationInvalid
		}
		if err != nil {
			return fmt.Errorf("lookup verification user: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET email_verified = 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC().Format(db.TimeLayout), userID)
		if err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// CleanupVerifications deletes expired verification tokens.
func (s *Store) CleanupVerifications(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE expires_at <= ?`, time.Now().UTC().Format(db.TimeLayout))
	if err != nil {
		return 0, fmt.Errorf("cleanup verifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
