package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus-qen/ecoscan/internal/db"
)

// dependentDeletes removes every row that references a user, children first.
var dependentDeletes = []struct {
	table string
	query string
}{
	{"sessions", `DELETE FROM sessions WHERE user_id = ?`},
	{"accounts", `DELETE FROM accounts WHERE user_id = ?`},
	{"verifications", `DELETE FROM verifications WHERE identifier = (SELECT email FROM users WHERE id = ?)`},
	{"waste_disposals", `DELETE FROM waste_disposals WHERE user_id = ?`},
	{"redemptions", `DELETE FROM redemptions WHERE user_id = ?`},
	{"reports", `DELETE FROM reports WHERE user_id = ?`},
}

// Delete permanently removes a user and everything that references it in a
// single transaction. On any failure nothing is removed.
func (s *Store) Delete(ctx context.Context, id string) error {
	return db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}

		for _, d := range dependentDeletes {
			if _, err := tx.ExecContext(ctx, d.query, id); err != nil {
				return fmt.Errorf("delete %s: %w", d.table, err)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return db.CheckRowsAffected(res, ErrUserNotFound)
	})
}
