// Package bins stores waste bins and answers proximity queries.
package bins

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
)

// Waste types accepted by bins and recorded on disposals.
const (
	WasteGeneral    = "GENERAL"
	WasteRecyclable = "RECYCLABLE"
	WasteOrganic    = "ORGANIC"
	WasteHazardous  = "HAZARDOUS"
	WasteElectronic = "ELECTRONIC"
)

// Bin statuses.
const (
	StatusActive      = "ACTIVE"
	StatusFull        = "FULL"
	StatusMaintenance = "MAINTENANCE"
	StatusInactive    = "INACTIVE"
)

// FullThreshold is the fill level percentage at which a bin becomes FULL.
const FullThreshold = 90

var (
	ErrBinNotFound = errors.New("waste bin not found")
	ErrBinInUse    = errors.New("waste bin has recorded disposals")
)

// Accepts reports whether a bin of binType takes waste of wasteType.
// GENERAL bins accept everything.
func Accepts(binType, wasteType string) bool {
	return binType == WasteGeneral || binType == wasteType
}

// Bin is a physical waste bin.
type Bin struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	WasteType string    `json:"waste_type"`
	Capacity  int       `json:"capacity"`
	FillLevel int       `json:"fill_level"`
	Status    string    `json:"status"`
	QRCode    string    `json:"qr_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// DistanceKm is set on Nearby results.
	DistanceKm *float64 `json:"distance_km,omitempty"`
}

// Update is a partial update; nil fields are left unchanged.
type Update struct {
	Name      *string
	Location  *string
	Latitude  *float64
	Longitude *float64
	WasteType *string
	Capacity  *int
	Status    *string
}

// Filter narrows List.
type Filter struct {
	WasteType string
	Status    string
	Limit     int
	Offset    int
}

// Store persists bins in the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps conn.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

const binColumns = `id, name, location, latitude, longitude, waste_type, capacity, fill_level, status, qr_code, created_at, updated_at`

// NewID returns an id for a bin about to be created, so its QR code can be
// signed before the insert.
func NewID() string { return uuid.NewString() }

// Create inserts b. Empty ID and Status are filled in.
func (s *Store) Create(ctx context.Context, b *Bin) (*Bin, error) {
	if b.ID == "" {
		b.ID = NewID()
	}
	if b.Status == "" {
		b.Status = StatusActive
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO waste_bins (`+binColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Location, b.Latitude, b.Longitude, b.WasteType, b.Capacity, b.FillLevel, b.Status, b.QRCode,
		db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create bin: %w", err)
	}
	return b, nil
}

// Get fetches a bin by id.
func (s *Store) Get(ctx context.Context, id string) (*Bin, error) {
	return scanBin(s.db.QueryRowContext(ctx, `SELECT `+binColumns+` FROM waste_bins WHERE id = ?`, id))
}

// List returns a page of bins and the total count matching f.
func (s *Store) List(ctx context.Context, f Filter) ([]Bin, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.WasteType != "" {
		where += " AND waste_type = ?"
		args = append(args, f.WasteType)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waste_bins`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bins: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+binColumns+` FROM waste_bins`+where+` ORDER BY name, id LIMIT ? OFFSET ?`,
		append(args, db.ClampLimit(f.Limit, 20, 100), max(f.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bins: %w", err)
	}
	defer rows.Close()
	out, err := collectBins(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Nearby returns usable bins (not INACTIVE) within radiusKm of the point,
// nearest first.
func (s *Store) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Bin, error) {
	box := boundingBox(lat, lon, radiusKm)
	q := `SELECT ` + binColumns + ` FROM waste_bins WHERE status != ? AND latitude BETWEEN ? AND ?`
	args := []any{StatusInactive, box.minLat, box.maxLat}
	if !box.wrapsLon {
		q += ` AND longitude BETWEEN ? AND ?`
		args = append(args, box.minLon, box.maxLon)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("nearby bins: %w", err)
	}
	defer rows.Close()
	candidates, err := collectBins(rows)
	if err != nil {
		return nil, err
	}

	out := make([]Bin, 0, len(candidates))
	for _, b := range candidates {
		d := HaversineKm(lat, lon, b.Latitude, b.Longitude)
		if d > radiusKm {
			continue
		}
		b.DistanceKm = &d
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].DistanceKm < *out[j].DistanceKm })
	if limit = db.ClampLimit(limit, 20, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update applies u to bin id.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Bin, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Location != nil {
		b.Location = *u.Location
	}
	if u.Latitude != nil {
		b.Latitude = *u.Latitude
	}
	if u.Longitude != nil {
		b.Longitude = *u.Longitude
	}
	if u.WasteType != nil {
		b.WasteType = *u.WasteType
	}
	if u.Capacity != nil {
		b.Capacity = *u.Capacity
	}
	if u.Status != nil {
		b.Status = *u.Status
	}
	b.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `UPDATE waste_bins SET name = ?, location = ?, latitude = ?, longitude = ?, waste_type = ?,
		capacity = ?, status = ?, updated_at = ? WHERE id = ?`,
		b.Name, b.Location, b.Latitude, b.Longitude, b.WasteType, b.Capacity, b.Status, db.FormatTime(b.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update bin: %w", err)
	}
	if err := db.CheckRowsAffected(res, ErrBinNotFound); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateFillLevel sets the fill percentage. Reaching FullThreshold marks an
// ACTIVE bin FULL; dropping below it returns a FULL bin to ACTIVE. The
// second result reports whether this call made the bin FULL.
func (s *Store) UpdateFillLevel(ctx context.Context, id string, level int) (*Bin, bool, error) {
	var (
		b          *Bin
		becameFull bool
	)
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		b, err = scanBin(tx.QueryRowContext(ctx, `SELECT `+binColumns+` FROM waste_bins WHERE id = ?`, id))
		if err != nil {
			return err
		}
		switch {
		case level >= FullThreshold && b.Status == StatusActive:
			b.Status = StatusFull
			becameFull = true
		case level < FullThreshold && b.Status == StatusFull:
			b.Status = StatusActive
		}
		b.FillLevel = level
		b.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE waste_bins SET fill_level = ?, status = ?, updated_at = ? WHERE id = ?`,
			b.FillLevel, b.Status, db.FormatTime(b.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("update fill level: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return b, becameFull, nil
}

// SetQRCode replaces the bin's QR payload. Earlier codes stop matching.
func (s *Store) SetQRCode(ctx context.Context, id, code string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE waste_bins SET qr_code = ?, updated_at = ? WHERE id = ?`, code, db.Now(), id)
	if err != nil {
		return fmt.Errorf("set qr code: %w", err)
	}
	return db.CheckRowsAffected(res, ErrBinNotFound)
}

// Delete removes a bin that has no disposal history. Reports that
// referenced it keep their text but lose the link.
func (s *Store) Delete(ctx context.Context, id string) error {
	return db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM waste_disposals WHERE bin_id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("count bin disposals: %w", err)
		}
		if n > 0 {
			return ErrBinInUse
		}
		if _, err := tx.ExecContext(ctx, `UPDATE reports SET bin_id = NULL WHERE bin_id = ?`, id); err != nil {
			return fmt.Errorf("unlink reports: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM waste_bins WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete bin: %w", err)
		}
		return db.CheckRowsAffected(res, ErrBinNotFound)
	})
}

// CountByStatus returns the number of bins in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	out := map[string]int{StatusActive: 0, StatusFull: 0, StatusMaintenance: 0, StatusInactive: 0}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM waste_bins GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count bins by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan bin count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanBin(sc db.Scanner) (*Bin, error) {
	var (
		b                    Bin
		createdAt, updatedAt string
	)
	err := sc.Scan(&b.ID, &b.Name, &b.Location, &b.Latitude, &b.Longitude, &b.WasteType, &b.Capacity,
		&b.FillLevel, &b.Status, &b.QRCode, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBinNotFound
		}
		return nil, fmt.Errorf("scan bin: %w", err)
	}
	if b.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if b.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &b, nil
}

func collectBins(rows *sql.Rows) ([]Bin, error) {
	out := make([]Bin, 0)
	for rows.Next() {
		b, err := scanBin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bin rows: %w", err)
	}
	return out, nil
}
