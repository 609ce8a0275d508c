package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Migration describes a single schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Runner applies ordered migrations to a database.
type Runner struct {
	migrations []Migration
	logger     *zap.Logger
}

// NewRunner creates a Runner. Migrations are sorted by Version ascending.
func NewRunner(migrations []Migration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Runner{migrations: sorted, logger: logger}
}

// Latest returns the highest version the runner knows about.
func (r *Runner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Pending reports whether db is behind the latest migration.
func (r *Runner) Pending(db *sql.DB) (bool, error) {
	current, err := CurrentVersion(db)
	if err != nil {
		return false, err
	}
	return current < r.Latest(), nil
}

// Migrate applies all pending migrations in version order. Each migration
// and its version bump share one transaction.
func (r *Runner) Migrate(ctx context.Context, db *sql.DB) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("read current version: %w", err)
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := r.apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for v%d: %w", m.Version, err)
	}

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("up v%d (%s): %w", m.Version, m.Description, err)
	}
	if err := setVersion(tx, m.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set version %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit v%d: %w", m.Version, err)
	}

	r.logger.Info("migration applied",
		zap.Int("version", m.Version),
		zap.String("description", m.Description),
	)
	return nil
}
