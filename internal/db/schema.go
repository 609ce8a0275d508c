package db

import (
	"database/sql"
	"fmt"

	"github.com/marcus-qen/ecoscan/internal/migration"
)

// Migrations returns the ordered schema migrations for the ecoscan database.
func Migrations() []migration.Migration {
	return []migration.Migration{
		{Version: 1, Description: "initial schema", Up: execAll(initialSchema)},
	}
}

func execAll(stmts []string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
		}
		return nil
	}
}

var initialSchema = []string{
	`CREATE TABLE users (
		id             TEXT PRIMARY KEY,
		email          TEXT NOT NULL UNIQUE,
		name           TEXT NOT NULL,
		password_hash  TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT 'USER',
		points         INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		level          INTEGER NOT NULL DEFAULT 1,
		active         INTEGER NOT NULL DEFAULT 1,
		email_verified INTEGER NOT NULL DEFAULT 0,
		image          TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		last_login     TEXT
	)`,
	`CREATE INDEX idx_users_points ON users(points DESC)`,

	`CREATE TABLE accounts (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL REFERENCES users(id),
		provider            TEXT NOT NULL,
		provider_account_id TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		UNIQUE (provider, provider_account_id)
	)`,

	`CREATE TABLE sessions (
		token       TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(id),
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		last_active TEXT NOT NULL,
		ip_address  TEXT NOT NULL DEFAULT '',
		user_agent  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_sessions_user ON sessions(user_id)`,
	`CREATE INDEX idx_sessions_expires ON sessions(expires_at)`,

	`CREATE TABLE verifications (
		id         TEXT PRIMARY KEY,
		identifier TEXT NOT NULL,
		token      TEXT NOT NULL UNIQUE,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX idx_verifications_identifier ON verifications(identifier)`,

	`CREATE TABLE waste_bins (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		location      TEXT NOT NULL DEFAULT '',
		latitude      REAL NOT NULL,
		longitude     REAL NOT NULL,
		waste_type    TEXT NOT NULL,
		capacity      INTEGER NOT NULL,
		fill_level    INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'ACTIVE',
		qr_code       TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,

	`CREATE TABLE waste_disposals (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(id),
		bin_id      TEXT NOT NULL REFERENCES waste_bins(id),
		waste_type  TEXT NOT NULL,
		weight_kg   REAL,
		points      INTEGER NOT NULL,
		status      TEXT NOT NULL DEFAULT 'PENDING',
		verified_by TEXT NOT NULL DEFAULT '',
		verified_at TEXT,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX idx_disposals_user ON waste_disposals(user_id, created_at DESC)`,
	`CREATE INDEX idx_disposals_status ON waste_disposals(status)`,

	`CREATE TABLE rewards (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		points_cost INTEGER NOT NULL CHECK (points_cost >= 1),
		stock       INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		active      INTEGER NOT NULL DEFAULT 1,
		image       TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,

	`CREATE TABLE redemptions (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id),
		reward_id    TEXT NOT NULL REFERENCES rewards(id),
		points_spent INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE INDEX idx_redemptions_user ON redemptions(user_id, created_at DESC)`,

	`CREATE TABLE reports (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(id),
		bin_id      TEXT REFERENCES waste_bins(id),
		type        TEXT NOT NULL,
		description TEXT NOT NULL,
		latitude    REAL,
		longitude   REAL,
		status      TEXT NOT NULL DEFAULT 'OPEN',
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX idx_reports_status ON reports(status, created_at DESC)`,

	`CREATE TABLE campaigns (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		starts_at        TEXT NOT NULL,
		ends_at          TEXT NOT NULL,
		bonus_multiplier REAL NOT NULL DEFAULT 1,
		active           INTEGER NOT NULL DEFAULT 1,
		created_by       TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,

	`CREATE TABLE audit_events (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		type      TEXT NOT NULL,
		actor     TEXT NOT NULL DEFAULT '',
		target    TEXT NOT NULL DEFAULT '',
		summary   TEXT NOT NULL DEFAULT '',
		detail    TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX idx_audit_ts ON audit_events(timestamp DESC)`,
}
