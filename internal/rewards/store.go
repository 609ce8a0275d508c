// Package rewards manages the reward catalogue and point redemptions.
package rewards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/users"
)

// Redemption statuses. FULFILLED and CANCELLED are terminal.
const (
	RedemptionPending   = "PENDING"
	RedemptionFulfilled = "FULFILLED"
	RedemptionCancelled = "CANCELLED"
)

var (
	ErrRewardNotFound     = errors.New("reward not found")
	ErrRewardUnavailable  = errors.New("reward is not available")
	ErrOutOfStock         = errors.New("reward is out of stock")
	ErrRewardInUse        = errors.New("reward has redemptions")
	ErrRedemptionNotFound = errors.New("redemption not found")
	ErrRedemptionClosed   = errors.New("redemption already closed")

	// ErrInsufficientPoints is returned by Redeem when the balance is short.
	ErrInsufficientPoints = users.ErrInsufficientPoints
)

// Reward is a catalogue item bought with points.
type Reward struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PointsCost  int       `json:"points_cost"`
	Stock       int       `json:"stock"`
	Active      bool      `json:"active"`
	Image       string    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Redemption is a user's claim on a reward.
type Redemption struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RewardID    string    `json:"reward_id"`
	RewardName  string    `json:"reward_name,omitempty"`
	PointsSpent int       `json:"points_spent"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update is a partial reward update; nil fields are left unchanged.
type Update struct {
	Name        *string
	Description *string
	PointsCost  *int
	Stock       *int
	Active      *bool
	Image       *string
}

// Store persists rewards and redemptions in the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps conn.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

const rewardColumns = `id, name, description, points_cost, stock, active, image, created_at, updated_at`

// Create adds a reward to the catalogue.
func (s *Store) Create(ctx context.Context, r *Reward) (*Reward, error) {
	now := time.Now().UTC()
	r.ID = uuid.NewString()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO rewards (`+rewardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.PointsCost, r.Stock, db.BoolInt(r.Active), r.Image, db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create reward: %w", err)
	}
	return r, nil
}

// Get fetches a reward by id.
func (s *Store) Get(ctx context.Context, id string) (*Reward, error) {
	return scanReward(s.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id))
}

// List returns rewards ordered by cost. activeOnly hides inactive rewards.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]Reward, error) {
	q := `SELECT ` + rewardColumns + ` FROM rewards`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY points_cost, name`)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	out := make([]Reward, 0)
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reward rows: %w", err)
	}
	return out, nil
}

// Update applies u to reward id.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Reward, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.PointsCost != nil {
		r.PointsCost = *u.PointsCost
	}
	if u.Stock != nil {
		r.Stock = *u.Stock
	}
	if u.Active != nil {
		r.Active = *u.Active
	}
	if u.Image != nil {
		r.Image = *u.Image
	}
	r.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `UPDATE rewards SET name = ?, description = ?, points_cost = ?, stock = ?, active = ?, image = ?, updated_at = ?
		WHERE id = ?`, r.Name, r.Description, r.PointsCost, r.Stock, db.BoolInt(r.Active), r.Image, db.FormatTime(r.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update reward: %w", err)
	}
	if err := db.CheckRowsAffected(res, ErrRewardNotFound); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a reward that was never redeemed.
func (s *Store) Delete(ctx context.Context, id string) error {
	return db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM redemptions WHERE reward_id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("count redemptions: %w", err)
		}
		if n > 0 {
			return ErrRewardInUse
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rewards WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete reward: %w", err)
		}
		return db.CheckRowsAffected(res, ErrRewardNotFound)
	})
}

// RedeemResult is the outcome of a successful redemption.
type RedeemResult struct {
	Redemption *Redemption   `json:"redemption"`
	Balance    users.Balance `json:"balance"`
}

// Redeem spends the reward's cost from the user's points, takes one unit of
// stock and records a PENDING redemption, all in one transaction.
func (s *Store) Redeem(ctx context.Context, userID, rewardID string) (*RedeemResult, error) {
	var result RedeemResult
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := scanReward(tx.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, rewardID))
		if err != nil {
			return err
		}
		if !r.Active {
			return ErrRewardUnavailable
		}
		if r.Stock <= 0 {
			return ErrOutOfStock
		}

		bal, err := users.DebitPointsTx(ctx, tx, userID, r.PointsCost)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE rewards SET stock = stock - 1, updated_at = ? WHERE id = ? AND stock > 0`,
			db.FormatTime(now), rewardID)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if err := db.CheckRowsAffected(res, ErrOutOfStock); err != nil {
			return err
		}

		red := &Redemption{
			ID:          uuid.NewString(),
			UserID:      userID,
			RewardID:    rewardID,
			RewardName:  r.Name,
			PointsSpent: r.PointsCost,
			Status:      RedemptionPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO redemptions (id, user_id, reward_id, points_spent, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			red.ID, red.UserID, red.RewardID, red.PointsSpent, red.Status, db.FormatTime(now), db.FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		result = RedeemResult{Redemption: red, Balance: bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

const redemptionSelect = `SELECT r.id, r.user_id, r.reward_id, w.name, r.points_spent, r.status, r.created_at, r.updated_at
	FROM redemptions r JOIN rewards w ON w.id = r.reward_id`

// RedemptionsByUser lists a user's redemptions, newest first.
func (s *Store) RedemptionsByUser(ctx context.Context, userID string, limit, offset int) ([]Redemption, error) {
	rows, err := s.db.QueryContext(ctx, redemptionSelect+` WHERE r.user_id = ? ORDER BY r.created_at DESC, r.id LIMIT ? OFFSET ?`,
		userID, db.ClampLimit(limit, 20, 100), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()
	return collectRedemptions(rows)
}

// ListRedemptions lists redemptions across users, optionally by status.
func (s *Store) ListRedemptions(ctx context.Context, status string, limit, offset int) ([]Redemption, error) {
	q := redemptionSelect
	var args []any
	if status != "" {
		q += ` WHERE r.status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY r.created_at DESC, r.id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, db.ClampLimit(limit, 20, 100), max(offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()
	return collectRedemptions(rows)
}

// UpdateRedemptionResult is the outcome of closing a redemption.
type UpdateRedemptionResult struct {
	Redemption *Redemption `json:"redemption"`
	// Refund is set when a cancellation returned points.
	Refund *users.Balance `json:"refund,omitempty"`
}

// UpdateRedemption closes a PENDING redemption. Cancelling refunds the
// points and restocks the reward in the same transaction.
func (s *Store) UpdateRedemption(ctx context.Context, id, status string) (*UpdateRedemptionResult, error) {
	if status != RedemptionFulfilled && status != RedemptionCancelled {
		return nil, fmt.Errorf("unsupported redemption status %q", status)
	}
	var result UpdateRedemptionResult
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		red, err := scanRedemption(tx.QueryRowContext(ctx, redemptionSelect+` WHERE r.id = ?`, id))
		if err != nil {
			return err
		}
		if red.Status != RedemptionPending {
			return ErrRedemptionClosed
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE redemptions SET status = ?, updated_at = ? WHERE id = ?`,
			status, db.FormatTime(now), id); err != nil {
			return fmt.Errorf("update redemption: %w", err)
		}
		red.Status = status
		red.UpdatedAt = now

		if status == RedemptionCancelled {
			bal, err := users.CreditPointsTx(ctx, tx, red.UserID, red.PointsSpent)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE rewards SET stock = stock + 1, updated_at = ? WHERE id = ?`,
				db.FormatTime(now), red.RewardID); err != nil {
				return fmt.Errorf("restock reward: %w", err)
			}
			result.Refund = &bal
		}
		result.Redemption = red
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func scanReward(sc db.Scanner) (*Reward, error) {
	var (
		r                    Reward
		active               int
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.Name, &r.Description, &r.PointsCost, &r.Stock, &active, &r.Image, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("scan reward: %w", err)
	}
	r.Active = active == 1
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

func scanRedemption(sc db.Scanner) (*Redemption, error) {
	var (
		r                    Redemption
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.UserID, &r.RewardID, &r.RewardName, &r.PointsSpent, &r.Status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("scan redemption: %w", err)
	}
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

func collectRedemptions(rows *sql.Rows) ([]Redemption, error) {
	out := make([]Redemption, 0)
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("redemption rows: %w", err)
	}
	return out, nil
}
