// Package audit provides an append-only audit log of security-relevant
// actions: sign-ins, role changes, deactivations, deletions and disposal
// verification. Events are persisted to the shared SQLite database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
	"go.uber.org/zap"
)

// EventType classifies audit events.
type EventType string

const (
	EventSignUp            EventType = "auth.sign_up"
	EventLoginSuccess      EventType = "auth.login_success"
	EventLoginFailed       EventType = "auth.login_failed"
	EventLogout            EventType = "auth.logout"
	EventEmailVerified     EventType = "auth.email_verified"
	EventRoleChanged       EventType = "user.role_changed"
	EventUserActivated     EventType = "user.activated"
	EventUserDeactivated   EventType = "user.deactivated"
	EventUserDeleted       EventType = "user.deleted"
	EventDisposalVerified  EventType = "disposal.verified"
	EventDisposalRejected  EventType = "disposal.rejected"
	EventRedemptionUpdated EventType = "redemption.updated"
	EventBinQRRegenerated  EventType = "bin.qr_regenerated"
	EventBinDeleted        EventType = "bin.deleted"
	EventRewardDeleted     EventType = "reward.deleted"
	EventReportUpdated     EventType = "report.status_changed"
	EventReportDeleted     EventType = "report.deleted"
	EventCampaignCreated   EventType = "campaign.created"
	EventCampaignDeleted   EventType = "campaign.deleted"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor,omitempty"`  // user id that initiated
	Target    string    `json:"target,omitempty"` // affected entity id
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Filter narrows Query results. Limit 0 means 100.
type Filter struct {
	Type   EventType
	Actor  string
	Target string
	Since  time.Time
	Cursor string
	Limit  int
}

// Store persists audit events.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("audit")}
}

// Record persists evt. Failures are logged, never returned: auditing must not
// block the action being audited.
func (s *Store) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	detail, err := json.Marshal(evt.Detail)
	if err != nil {
		detail = []byte("null")
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO audit_events (id, timestamp, type, actor, target, summary, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Timestamp.UTC().Format(db.TimeLayout),
		string(evt.Type),
		evt.Actor,
		evt.Target,
		evt.Summary,
		string(detail),
	)
	if err != nil {
		s.logger.Warn("persist audit event",
			zap.String("type", string(evt.Type)),
			zap.String("actor", evt.Actor),
			zap.Error(err),
		)
	}
}

// Emit records an event with minimal arguments.
func (s *Store) Emit(typ EventType, actor, target, summary string) {
	s.Record(Event{Type: typ, Actor: actor, Target: target, Summary: summary})
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	query := "SELECT id, timestamp, type, actor, target, summary, detail FROM audit_events WHERE 1=1"
	var args []any

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Target != "" {
		query += " AND target = ?"
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(db.TimeLayout))
	}
	if f.Cursor != "" {
		var cursorTS string
		err := s.db.QueryRowContext(ctx, "SELECT timestamp FROM audit_events WHERE id = ?", f.Cursor).Scan(&cursorTS)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return []Event{}, nil
		case err != nil:
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
		query += " AND (timestamp < ? OR (timestamp = ? AND id < ?))"
		args = append(args, cursorTS, cursorTS, f.Cursor)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			evt        Event
			ts, detail string
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.Actor, &evt.Target, &evt.Summary, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if detail != "" && detail != "null" {
			_ = json.Unmarshal([]byte(detail), &evt.Detail)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Purge deletes events older than now - olderThan.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(db.TimeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}
