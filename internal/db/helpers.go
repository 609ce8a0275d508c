package db

import (
	"database/sql"
	"strings"
	"time"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// TimeLayout is the fixed-width UTC layout of TEXT timestamp columns. The
// fraction is zero padded so that text order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Now returns the current time formatted for a timestamp column.
func Now() string { return FormatTime(time.Now()) }

// FormatTime formats t for a TEXT timestamp column.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime parses a TEXT timestamp column.
func ParseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// ParseNullTime parses a nullable TEXT timestamp column.
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullFloat converts an optional float for a nullable REAL column.
func NullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// FloatPtr converts a nullable REAL column back to an optional float.
func FloatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// NullString stores "" as NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// BoolInt converts a bool for an INTEGER flag column.
func BoolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ClampLimit applies a default for non-positive limits and caps at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// EscapeLike escapes the LIKE wildcards in s for use with ESCAPE '\'.
func EscapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyViolation reports whether err is a SQLite FOREIGN KEY failure.
func IsForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// CheckRowsAffected returns errWhenZero when res touched no rows.
func CheckRowsAffected(res sql.Result, errWhenZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errWhenZero
	}
	return nil
}
