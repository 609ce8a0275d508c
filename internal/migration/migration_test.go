package migration_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/ecoscan/internal/migration"
	_ "modernc.org/sqlite"
)

func openTempFileDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _init (x INTEGER)`); err != nil {
		t.Fatalf("init table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func tableExists(db *sql.DB, name string) bool {
	var got string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&got)
	return err == nil
}

func testMigrations() []migration.Migration {
	return []migration.Migration{
		{
			Version:     2,
			Description: "create table b",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE test_table_b (id INTEGER PRIMARY KEY)`)
				return err
			},
		},
		{
			Version:     1,
			Description: "create table a",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE test_table_a (id INTEGER PRIMARY KEY)`)
				return err
			},
		},
	}
}

func TestCurrentVersion_FreshDB(t *testing.T) {
	db, _ := openTempFileDB(t)
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("want 0, got %d", v)
	}
}

func TestRunner_MigrateForwardSortsByVersion(t *testing.T) {
	db, _ := openTempFileDB(t)
	r := migration.NewRunner(testMigrations(), nil)

	if r.Latest() != 2 {
		t.Fatalf("want latest 2, got %d", r.Latest())
	}
	pending, err := r.Pending(db)
	if err != nil || !pending {
		t.Fatalf("expected pending migrations, got pending=%v err=%v", pending, err)
	}

	if err := r.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	v, _ := migration.CurrentVersion(db)
	if v != 2 {
		t.Errorf("want schema v2, got %d", v)
	}
	if !tableExists(db, "test_table_a") || !tableExists(db, "test_table_b") {
		t.Error("expected both tables to exist")
	}

	pending, _ = r.Pending(db)
	if pending {
		t.Error("expected no pending migrations after Migrate")
	}
}

func TestRunner_IdempotentMigrate(t *testing.T) {
	db, _ := openTempFileDB(t)
	r := migration.NewRunner(testMigrations(), nil)

	if err := r.Migrate(context.Background(), db); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := r.Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 2 {
		t.Errorf("want v2 still, got %d", v)
	}
}

func TestRunner_TransactionRollbackOnError(t *testing.T) {
	db, _ := openTempFileDB(t)

	migrations := []migration.Migration{
		{
			Version:     1,
			Description: "create table ok",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE good_table (id INTEGER PRIMARY KEY)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "fails midway",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE partial_table (id INTEGER PRIMARY KEY)`); err != nil {
					return err
				}
				_, err := tx.Exec(`THIS IS NOT VALID SQL`)
				return err
			},
		},
	}

	r := migration.NewRunner(migrations, nil)
	if err := r.Migrate(context.Background(), db); err == nil {
		t.Fatal("expected error from failing migration, got nil")
	}

	v, _ := migration.CurrentVersion(db)
	if v != 1 {
		t.Errorf("want version 1 (last successful), got %d", v)
	}
	if tableExists(db, "partial_table") {
		t.Error("partial_table should not exist after rollback")
	}
}

func TestCheckVersion_RejectsDowngrade(t *testing.T) {
	db, _ := openTempFileDB(t)
	r := migration.NewRunner(testMigrations(), nil)
	if err := r.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	if err := migration.CheckVersion(db, 2); err != nil {
		t.Fatalf("same version should pass: %v", err)
	}
	if err := migration.CheckVersion(db, 1); err == nil {
		t.Fatal("expected downgrade to be rejected")
	}
}

func TestBackupNamesSnapshotAfterSchemaVersion(t *testing.T) {
	db, dbPath := openTempFileDB(t)
	r := migration.NewRunner(testMigrations(), nil)
	ctx := context.Background()

	before, err := r.Backup(ctx, db, dbPath)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if before.Version != 0 || !strings.HasPrefix(before.Path, dbPath+".v0.bak.") {
		t.Fatalf("backup = %+v", before)
	}
	if err := r.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}
	after, err := r.Backup(ctx, db, dbPath)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if after.Version != 2 || !strings.HasPrefix(after.Path, dbPath+".v2.bak.") {
		t.Fatalf("backup = %+v", after)
	}

	// The snapshot carries the migrated schema.
	snap, err := sql.Open("sqlite", after.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	if v, err := migration.CurrentVersion(snap); err != nil || v != 2 {
		t.Fatalf("snapshot version = %d (err %v)", v, err)
	}

	list, err := migration.Backups(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Path != before.Path || list[1].Path != after.Path {
		t.Fatalf("backups = %+v", list)
	}
}

func TestPruneBackupsKeepsNewest(t *testing.T) {
	db, dbPath := openTempFileDB(t)
	r := migration.NewRunner(testMigrations(), nil)
	ctx := context.Background()

	old, err := r.Backup(ctx, db, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}
	newest, err := r.Backup(ctx, db, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	// Not a backup name; pruning must leave it alone.
	stray := dbPath + ".v2.bak.garbage"
	if err := os.WriteFile(stray, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if n, err := r.PruneBackups(dbPath, time.Hour); err != nil || n != 0 {
		t.Fatalf("prune fresh backups = %d (err %v)", n, err)
	}
	n, err := r.PruneBackups(dbPath, -time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d (err %v)", n, err)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Fatalf("old backup still present, stat err=%v", err)
	}
	for _, p := range []string{newest.Path, stray} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s removed: %v", p, err)
		}
	}
}
