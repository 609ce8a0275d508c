// Package db opens the ecoscan SQLite database and brings its schema up to
// date. Every store shares the returned handle so that multi-table mutations
// can run in one transaction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus-qen/ecoscan/internal/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SchemaVersion is the schema version this binary was built against.
const SchemaVersion = 1

// BackupRetention is how long pre-migration backups are kept.
const BackupRetention = 30 * 24 * time.Hour

// Open opens (or creates) the database at path, backs it up when migrations
// are pending, and migrates it. Use ":memory:" only for single-connection
// tests.
func Open(ctx context.Context, path string, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	existed := false
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if _, err := os.Stat(path); err == nil {
			existed = true
		}
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migration.CheckVersion(conn, SchemaVersion); err != nil {
		_ = conn.Close()
		return nil, err
	}

	runner := migration.NewRunner(Migrations(), logger.Named("migration"))
	pending, err := runner.Pending(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if pending && existed {
		if _, err := runner.Backup(ctx, conn, path); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("backup before migration: %w", err)
		}
		if _, err := runner.PruneBackups(path, BackupRetention); err != nil {
			logger.Warn("prune old backups", zap.Error(err))
		}
	}
	if err := runner.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return conn, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// InTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func InTx(ctx context.Context, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
