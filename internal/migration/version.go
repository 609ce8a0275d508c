// Package migration provides SQLite schema versioning, an ordered migration
// runner, pre-migration backups, and downgrade protection for the ecoscan
// database.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

func ensureTable(db execer) error {
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// CurrentVersion returns the schema version recorded in db, or 0 for a fresh
// database.
func CurrentVersion(db *sql.DB) (int, error) {
	return currentVersion(db)
}

func currentVersion(db execer) (int, error) {
	var name string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='_schema_version'`,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check _schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow(`SELECT version FROM _schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// setVersion records version inside the migration transaction so that a
// failed commit never leaves the version ahead of the schema.
func setVersion(tx execer, version int) error {
	if err := ensureTable(tx); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.Exec(`UPDATE _schema_version SET version = ?, applied_at = ?`, version, now)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	if _, err := tx.Exec(`INSERT INTO _schema_version (version, applied_at) VALUES (?, ?)`, version, now); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// CheckVersion refuses to run an older binary against a newer schema.
func CheckVersion(db *sql.DB, binaryVersion int) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf("database schema version %d is newer than binary version %d: refusing to start", current, binaryVersion)
	}
	return nil
}
