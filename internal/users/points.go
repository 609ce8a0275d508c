package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/points"
)

// Balance is a user's points before and after a change.
type Balance struct {
	UserID    string `json:"user_id"`
	OldPoints int    `json:"old_points"`
	NewPoints int    `json:"new_points"`
	OldLevel  int    `json:"old_level"`
	NewLevel  int    `json:"new_level"`
}

// LeveledUp reports whether the change crossed a level boundary upwards.
func (b Balance) LeveledUp() bool { return b.NewLevel > b.OldLevel }

// CreditPointsTx adds delta points inside tx and stores the recomputed level.
func CreditPointsTx(ctx context.Context, tx *sql.Tx, userID string, delta int) (Balance, error) {
	if delta < 0 {
		return Balance{}, fmt.Errorf("credit must be non-negative, got %d", delta)
	}
	return adjustPointsTx(ctx, tx, userID, delta)
}

// DebitPointsTx removes amount points inside tx. It returns
// ErrInsufficientPoints without changing anything when the balance is short.
func DebitPointsTx(ctx context.Context, tx *sql.Tx, userID string, amount int) (Balance, error) {
	if amount < 0 {
		return Balance{}, fmt.Errorf("debit must be non-negative, got %d", amount)
	}
	return adjustPointsTx(ctx, tx, userID, -amount)
}

func adjustPointsTx(ctx context.Context, tx *sql.Tx, userID string, delta int) (Balance, error) {
	var current int
	err := tx.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, userID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrUserNotFound
		}
		return Balance{}, fmt.Errorf("read points: %w", err)
	}

	next := current + delta
	if next < 0 {
		return Balance{}, ErrInsufficientPoints
	}

	b := Balance{
		UserID:    userID,
		OldPoints: current,
		NewPoints: next,
		OldLevel:  points.LevelFor(current),
		NewLevel:  points.LevelFor(next),
	}
	_, err = tx.ExecContext(ctx, `UPDATE users SET points = ?, level = ?, updated_at = ? WHERE id = ?`,
		b.NewPoints, b.NewLevel, time.Now().UTC().Format(db.TimeLayout), userID)
	if err != nil {
		return Balance{}, fmt.Errorf("update points: %w", err)
	}
	return b, nil
}

// RoleTx reads a user's role inside tx.
func RoleTx(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}
