// Package campaigns stores time-boxed point bonus campaigns.
package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/ecoscan/internal/db"
)

var ErrCampaignNotFound = errors.New("campaign not found")

// Campaign multiplies disposal points while it runs.
type Campaign struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	BonusMultiplier float64   `json:"bonus_multiplier"`
	Active          bool      `json:"active"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Running reports whether the campaign applies at t.
func (c *Campaign) Running(t time.Time) bool {
	return c.Active && !t.Before(c.StartsAt) && t.Before(c.EndsAt)
}

// Update is a partial campaign update; nil fields are left unchanged.
type Update struct {
	Title           *string
	Description     *string
	StartsAt        *time.Time
	EndsAt          *time.Time
	BonusMultiplier *float64
	Active          *bool
}

// Store persists campaigns in the shared database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps conn.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

const campaignColumns = `id, title, description, starts_at, ends_at, bonus_multiplier, active, created_by, created_at, updated_at`

// Create inserts a campaign.
func (s *Store) Create(ctx context.Context, c *Campaign) (*Campaign, error) {
	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt, c.UpdatedAt = now, now
	c.StartsAt, c.EndsAt = c.StartsAt.UTC(), c.EndsAt.UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO campaigns (`+campaignColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, db.FormatTime(c.StartsAt), db.FormatTime(c.EndsAt), c.BonusMultiplier,
		db.BoolInt(c.Active), c.CreatedBy, db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

// Get fetches a campaign by id.
func (s *Store) Get(ctx context.Context, id string) (*Campaign, error) {
	return scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
}

// List returns every campaign, most recent start first.
func (s *Store) List(ctx context.Context) ([]Campaign, error) {
	return s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY starts_at DESC, id`)
}

// Running returns campaigns that apply right now.
func (s *Store) Running(ctx context.Context) ([]Campaign, error) {
	now := db.FormatTime(s.now())
	return s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE active = 1 AND starts_at <= ? AND ends_at > ? ORDER BY ends_at, id`, now, now)
}

// Multiplier returns the largest bonus multiplier among running campaigns,
// or 1 when none is running.
func (s *Store) Multiplier(ctx context.Context) (float64, *Campaign, error) {
	running, err := s.Running(ctx)
	if err != nil {
		return 1, nil, err
	}
	best := 1.0
	var chosen *Campaign
	for i := range running {
		if running[i].BonusMultiplier > best {
			best = running[i].BonusMultiplier
			chosen = &running[i]
		}
	}
	return best, chosen, nil
}

// Update applies u to campaign id.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.StartsAt != nil {
		c.StartsAt = u.StartsAt.UTC()
	}
	if u.EndsAt != nil {
		c.EndsAt = u.EndsAt.UTC()
	}
	if u.BonusMultiplier != nil {
		c.BonusMultiplier = *u.BonusMultiplier
	}
	if u.Active != nil {
		c.Active = *u.Active
	}
	if !c.EndsAt.After(c.StartsAt) {
		return nil, ErrInvalidWindow
	}
	c.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET title = ?, description = ?, starts_at = ?, ends_at = ?,
		bonus_multiplier = ?, active = ?, updated_at = ? WHERE id = ?`,
		c.Title, c.Description, db.FormatTime(c.StartsAt), db.FormatTime(c.EndsAt), c.BonusMultiplier,
		db.BoolInt(c.Active), db.FormatTime(c.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	if err := db.CheckRowsAffected(res, ErrCampaignNotFound); err != nil {
		return nil, err
	}
	return c, nil
}

// ErrInvalidWindow is returned when an update leaves ends_at not after starts_at.
var ErrInvalidWindow = errors.New("campaign must end after it starts")

// Delete removes a campaign.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return db.CheckRowsAffected(res, ErrCampaignNotFound)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign rows: %w", err)
	}
	return out, nil
}

func scanCampaign(sc db.Scanner) (*Campaign, error) {
	var (
		c                                    Campaign
		active                               int
		startsAt, endsAt, createdAt, updated string
	)
	err := sc.Scan(&c.ID, &c.Title, &c.Description, &startsAt, &endsAt, &c.BonusMultiplier, &active, &c.CreatedBy, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	c.Active = active == 1
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&c.StartsAt, startsAt}, {&c.EndsAt, endsAt}, {&c.CreatedAt, createdAt}, {&c.UpdatedAt, updated}} {
		if *f.dst, err = db.ParseTime(f.src); err != nil {
			return nil, fmt.Errorf("parse campaign time: %w", err)
		}
	}
	return &c, nil
}
