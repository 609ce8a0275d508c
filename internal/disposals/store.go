// Package disposals records waste disposals and their verification.
package disposals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/users"
)

// Disposal statuses.
const (
	StatusPending  = "PENDING"
	StatusVerified = "VERIFIED"
	StatusRejected = "REJECTED"
)

var (
	ErrDisposalNotFound = errors.New("disposal not found")
	ErrAlreadyProcessed = errors.New("disposal already processed")
)

// Disposal is one user drop-off at a bin.
type Disposal struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	BinID      string     `json:"bin_id"`
	WasteType  string     `json:"waste_type"`
	WeightKg   *float64   `json:"weight_kg,omitempty"`
	Points     int        `json:"points"`
	Status     string     `json:"status"`
	VerifiedBy string     `json:"verified_by,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PendingDisposal is a disposal awaiting review, with context for the reviewer.
type PendingDisposal struct {
	Disposal
	UserName  string    `json:"user_name"`
	UserEmail string    `json:"user_email"`
	UserRole  auth.Role `json:"user_role"`
	BinName   string    `json:"bin_name"`
}

// Store persists disposals in the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps conn.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

const disposalColumns = `id, user_id, bin_id, waste_type, weight_kg, points, status, verified_by, verified_at, created_at`

// Create records a PENDING disposal.
func (s *Store) Create(ctx context.Context, userID, binID, wasteType string, weightKg *float64, points int) (*Disposal, error) {
	d := &Disposal{
		ID:        uuid.NewString(),
		UserID:    userID,
		BinID:     binID,
		WasteType: wasteType,
		WeightKg:  weightKg,
		Points:    points,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO waste_disposals (id, user_id, bin_id, waste_type, weight_kg, points, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.BinID, d.WasteType, db.NullFloat(d.WeightKg), d.Points, d.Status, db.FormatTime(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create disposal: %w", err)
	}
	return d, nil
}

// Get fetches a disposal by id.
func (s *Store) Get(ctx context.Context, id string) (*Disposal, error) {
	return scanDisposal(s.db.QueryRowContext(ctx, `SELECT `+disposalColumns+` FROM waste_disposals WHERE id = ?`, id))
}

// ListByUser returns a user's disposals, newest first, and their total count.
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Disposal, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waste_disposals WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count disposals: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+disposalColumns+` FROM waste_disposals WHERE user_id = ?
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, userID, db.ClampLimit(limit, 20, 100), max(offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list disposals: %w", err)
	}
	defer rows.Close()

	out := make([]Disposal, 0)
	for rows.Next() {
		d, err := scanDisposal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("disposal rows: %w", err)
	}
	return out, total, nil
}

// ListPending returns disposals awaiting review, oldest first.
func (s *Store) ListPending(ctx context.Context, limit, offset int) ([]PendingDisposal, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waste_disposals WHERE status = ?`, StatusPending).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pending: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT d.id, d.user_id, d.bin_id, d.waste_type, d.weight_kg, d.points, d.status,
			d.verified_by, d.verified_at, d.created_at, u.name, u.email, u.role, b.name
		FROM waste_disposals d
		JOIN users u ON u.id = d.user_id
		JOIN waste_bins b ON b.id = d.bin_id
		WHERE d.status = ?
		ORDER BY d.created_at ASC, d.id LIMIT ? OFFSET ?`, StatusPending, db.ClampLimit(limit, 20, 100), max(offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	out := make([]PendingDisposal, 0)
	for rows.Next() {
		var (
			p    PendingDisposal
			role string
		)
		d, err := scanDisposal(rowFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &p.UserName, &p.UserEmail, &role, &p.BinName)...)
		}))
		if err != nil {
			return nil, 0, err
		}
		p.Disposal = *d
		p.UserRole = auth.Role(role)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pending rows: %w", err)
	}
	return out, total, nil
}

// Authorizer decides whether the reviewer may act on a disposal owned by
// ownerID, whose current role is ownerRole.
type Authorizer func(ownerID string, ownerRole auth.Role) error

// VerifyResult is the outcome of a review.
type VerifyResult struct {
	Disposal *Disposal `json:"disposal"`
	// Balance is set when points were credited.
	Balance *users.Balance `json:"balance,omitempty"`
}

// Verify approves or rejects a PENDING disposal in one transaction.
// Approval credits the disposal's points to its owner and recomputes the
// owner's level.
func (s *Store) Verify(ctx context.Context, id, reviewerID string, approve bool, authorize Authorizer) (*VerifyResult, error) {
	var result VerifyResult
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		d, err := scanDisposal(tx.QueryRowContext(ctx, `SELECT `+disposalColumns+` FROM waste_disposals WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if d.Status != StatusPending {
			return ErrAlreadyProcessed
		}

		ownerRole, err := users.RoleTx(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		if authorize != nil {
			if err := authorize(d.UserID, auth.Role(ownerRole)); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		d.Status = StatusRejected
		if approve {
			d.Status = StatusVerified
		}
		d.VerifiedBy = reviewerID
		d.VerifiedAt = &now
		res, err := tx.ExecContext(ctx, `UPDATE waste_disposals SET status = ?, verified_by = ?, verified_at = ? WHERE id = ? AND status = ?`,
			d.Status, reviewerID, db.FormatTime(now), id, StatusPending)
		if err != nil {
			return fmt.Errorf("update disposal: %w", err)
		}
		if err := db.CheckRowsAffected(res, ErrAlreadyProcessed); err != nil {
			return err
		}

		if approve {
			bal, err := users.CreditPointsTx(ctx, tx, d.UserID, d.Points)
			if err != nil {
				return err
			}
			result.Balance = &bal
		}
		result.Disposal = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// TypeStats aggregates a user's disposals of one waste type.
type TypeStats struct {
	Count    int     `json:"count"`
	Points   int     `json:"points"`
	WeightKg float64 `json:"weight_kg"`
}

// UserStats summarises a user's disposals.
type UserStats struct {
	Total        int                  `json:"total"`
	Verified     int                  `json:"verified"`
	Pending      int                  `json:"pending"`
	Rejected     int                  `json:"rejected"`
	PointsEarned int                  `json:"points_earned"`
	ByType       map[string]TypeStats `json:"by_type"`
}

// StatsForUser aggregates a user's disposals. Points and weight only count
// verified disposals.
func (s *Store) StatsForUser(ctx context.Context, userID string) (*UserStats, error) {
	st := &UserStats{ByType: map[string]TypeStats{}}
	rows, err := s.db.QueryContext(ctx, `SELECT waste_type, status, COUNT(*), COALESCE(SUM(points), 0), COALESCE(SUM(weight_kg), 0)
		FROM waste_disposals WHERE user_id = ? GROUP BY waste_type, status`, userID)
	if err != nil {
		return nil, fmt.Errorf("disposal stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			wasteType, status string
			n, pts            int
			weight            float64
		)
		if err := rows.Scan(&wasteType, &status, &n, &pts, &weight); err != nil {
			return nil, fmt.Errorf("scan disposal stats: %w", err)
		}
		st.Total += n
		ts := st.ByType[wasteType]
		ts.Count += n
		switch status {
		case StatusVerified:
			st.Verified += n
			st.PointsEarned += pts
			ts.Points += pts
			ts.WeightKg += weight
		case StatusPending:
			st.Pending += n
		case StatusRejected:
			st.Rejected += n
		}
		st.ByType[wasteType] = ts
	}
	return st, rows.Err()
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func scanDisposal(sc db.Scanner) (*Disposal, error) {
	var (
		d          Disposal
		weight     sql.NullFloat64
		verifiedAt sql.NullString
		createdAt  string
	)
	err := sc.Scan(&d.ID, &d.UserID, &d.BinID, &d.WasteType, &weight, &d.Points, &d.Status, &d.VerifiedBy, &verifiedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDisposalNotFound
		}
		return nil, fmt.Errorf("scan disposal: %w", err)
	}
	d.WeightKg = db.FloatPtr(weight)
	if d.VerifiedAt, err = db.ParseNullTime(verifiedAt); err != nil {
		return nil, fmt.Errorf("parse verified_at: %w", err)
	}
	if d.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &d, nil
}
