package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const backupStamp = "20060102T150405.000Z"

// Backup is a snapshot taken before migrating.
type Backup struct {
	Path    string
	Version int
	TakenAt time.Time
}

// BackupPath names the snapshot of dbPath at schema version taken at t.
func BackupPath(dbPath string, version int, t time.Time) string {
	return fmt.Sprintf("%s.v%d.bak.%s", dbPath, version, t.UTC().Format(backupStamp))
}

// Backup snapshots the live database behind conn with VACUUM INTO, so pages
// still in the WAL are included, then checks the snapshot's integrity.
func (r *Runner) Backup(ctx context.Context, conn *sql.DB, dbPath string) (*Backup, error) {
	version, err := CurrentVersion(conn)
	if err != nil {
		return nil, err
	}
	b := &Backup{Version: version, TakenAt: time.Now().UTC()}
	b.Path = BackupPath(dbPath, version, b.TakenAt)

	if _, err := conn.ExecContext(ctx, `VACUUM INTO ?`, b.Path); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", b.Path, err)
	}
	if err := checkIntegrity(ctx, b.Path); err != nil {
		return nil, fmt.Errorf("backup %s failed integrity check: %w", b.Path, errors.Join(err, removeFile(b.Path)))
	}
	r.logger.Info("database backed up",
		zap.String("backup", b.Path),
		zap.Int("schema_version", version),
		zap.Int("target_version", r.Latest()),
	)
	return b, nil
}

// Backups lists the snapshots of dbPath, oldest first. Files whose names do
// not parse are ignored.
func Backups(dbPath string) ([]Backup, error) {
	matches, err := filepath.Glob(dbPath + ".v*.bak.*")
	if err != nil {
		return nil, fmt.Errorf("glob backups for %s: %w", dbPath, err)
	}
	var out []Backup
	for _, m := range matches {
		rest := strings.TrimPrefix(m, dbPath+".v")
		ver, stamp, ok := strings.Cut(rest, ".bak.")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(ver)
		if err != nil {
			continue
		}
		at, err := time.Parse(backupStamp, stamp)
		if err != nil {
			continue
		}
		out = append(out, Backup{Path: m, Version: v, TakenAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].TakenAt.Before(out[j].TakenAt)
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// PruneBackups removes snapshots of dbPath older than maxAge. The newest
// snapshot is always kept so the last pre-migration state survives.
func (r *Runner) PruneBackups(dbPath string, maxAge time.Duration) (int, error) {
	backups, err := Backups(dbPath)
	if err != nil {
		return 0, err
	}
	if len(backups) < 2 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, b := range backups[:len(backups)-1] {
		if !b.TakenAt.Before(cutoff) {
			continue
		}
		if err := removeFile(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		r.logger.Debug("backup pruned", zap.String("backup", b.Path), zap.Int("schema_version", b.Version))
	}
	return removed, errors.Join(errs...)
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity_check query: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned: %s", result)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
