package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
)

var ErrAccountAlreadyLinked = errors.New("account already linked")

// Account links an external identity provider subject to a user.
type Account struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// LinkAccount records that (provider, providerAccountID) signs in as userID.
func (s *Store) LinkAccount(ctx context.Context, userID, provider, providerAccountID string) (*Account, error) {
	a := &Account{
		ID:                uuid.NewString(),
		UserID:            userID,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
		CreatedAt:         time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (id, user_id, provider, provider_account_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Provider, a.ProviderAccountID, a.CreatedAt.Format(db.TimeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrAccountAlreadyLinked
		}
		return nil, fmt.Errorf("link account: %w", err)
	}
	return a, nil
}

// GetByAccount returns the user linked to an external identity.
func (s *Store) GetByAccount(ctx context.Context, provider, providerAccountID string) (*User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM accounts WHERE provider = ? AND provider_account_id = ?`,
		provider, providerAccountID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return s.Get(ctx, userID)
}

// Accounts lists a user's linked identities.
func (s *Store) Accounts(ctx context.Context, userID string) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, provider, provider_account_id, created_at FROM accounts WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0)
	for rows.Next() {
		var (
			a  Account
			ts string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID, &ts); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}
