// Package reports stores problem reports filed by users about bins and
// dumping sites.
package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
)

// Report types.
const (
	TypeBinFull        = "BIN_FULL"
	TypeBinDamaged     = "BIN_DAMAGED"
	TypeIllegalDumping = "ILLEGAL_DUMPING"
	TypeOther          = "OTHER"
)

// Report statuses. RESOLVED and DISMISSED record who closed the report.
const (
	StatusOpen       = "OPEN"
	StatusInProgress = "IN_PROGRESS"
	StatusResolved   = "RESOLVED"
	StatusDismissed  = "DISMISSED"
)

var ErrReportNotFound = errors.New("report not found")

// Report is a user-filed problem report.
type Report struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	BinID       string    `json:"bin_id,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Status      string    `json:"status"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Filter narrows List.
type Filter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// Store persists reports in the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps conn.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

const reportColumns = `id, user_id, bin_id, type, description, latitude, longitude, status, resolved_by, created_at, updated_at`

// Create files an OPEN report.
func (s *Store) Create(ctx context.Context, r *Report) (*Report, error) {
	now := time.Now().UTC()
	r.ID = uuid.NewString()
	r.Status = StatusOpen
	r.ResolvedBy = ""
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO reports (`+reportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, db.NullString(r.BinID), r.Type, r.Description, db.NullFloat(r.Latitude), db.NullFloat(r.Longitude),
		r.Status, r.ResolvedBy, db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	return r, nil
}

// Get fetches a report by id.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	return scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
}

// ListByUser lists a user's own reports, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE user_id = ?
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, userID, db.ClampLimit(limit, 20, 100), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list user reports: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

// List returns a page of reports matching f and the total count.
func (s *Store) List(ctx context.Context, f Filter) ([]Report, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, f.Type)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, db.ClampLimit(f.Limit, 20, 100), max(f.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	out, err := collectReports(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// UpdateStatus moves a report to status. Closing statuses record actorID as
// the resolver; reopening clears it.
func (s *Store) UpdateStatus(ctx context.Context, id, status, actorID string) (*Report, error) {
	resolvedBy := ""
	if status == StatusResolved || status == StatusDismissed {
		resolvedBy = actorID
	}
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET status = ?, resolved_by = ?, updated_at = ? WHERE id = ?`,
		status, resolvedBy, db.Now(), id)
	if err != nil {
		return nil, fmt.Errorf("update report status: %w", err)
	}
	if err := db.CheckRowsAffected(res, ErrReportNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes a report.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return db.CheckRowsAffected(res, ErrReportNotFound)
}

// CountOpen returns the number of reports not yet closed.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE status IN (?, ?)`, StatusOpen, StatusInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open reports: %w", err)
	}
	return n, nil
}

func scanReport(sc db.Scanner) (*Report, error) {
	var (
		r                    Report
		binID                sql.NullString
		lat, lon             sql.NullFloat64
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.UserID, &binID, &r.Type, &r.Description, &lat, &lon, &r.Status, &r.ResolvedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	r.BinID = binID.String
	r.Latitude, r.Longitude = db.FloatPtr(lat), db.FloatPtr(lon)
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

func collectReports(rows *sql.Rows) ([]Report, error) {
	out := make([]Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report rows: %w", err)
	}
	return out, nil
}
