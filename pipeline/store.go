package pipeline

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/leadpulse/db"
	"github.com/teranos/leadpulse/errors"
)

// Store is the SQLite campaign repository.
//
// A campaign carries its desired stage in target_stage; AdvanceStatus moves
// stage there and stamps stage_updated_at. Deciding the target stage belongs
// to whoever writes the campaign.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a campaign store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a campaign.
func (s *Store) Create(ctx context.Context, c Campaign) error {
	if c.ID == "" || c.Name == "" || c.Stage == "" {
		return errors.NewInvalidRequestError("campaign needs id, name and stage")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, stage, target_stage, active, stage_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Stage, nullable(c.TargetStage), c.Active, now, now, now,
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "campaign %s already exists", c.ID), errors.ErrAlreadyExists)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create campaign %s", c.ID)
	}
	return nil
}

// Get returns one campaign.
func (s *Store) Get(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	var target sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, stage, target_stage, active FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Stage, &target, &c.Active)
	if err == sql.ErrNoRows {
		return c, errors.NewNotFoundError("campaign %s", id)
	}
	if err != nil {
		return c, errors.Wrapf(err, "failed to get campaign %s", id)
	}
	c.TargetStage = target.String
	return c, nil
}

// FetchActiveCampaigns implements Repository.
func (s *Store) FetchActiveCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, stage, target_stage, active
		FROM campaigns
		WHERE active = 1
		ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query active campaigns")
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		var target sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Stage, &target, &c.Active); err != nil {
			return nil, errors.Wrap(err, "failed to scan campaign")
		}
		c.TargetStage = target.String
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate campaigns")
}

// AdvanceStatus implements Repository.
func (s *Store) AdvanceStatus(ctx context.Context, c Campaign) (bool, error) {
	if c.TargetStage == "" || c.TargetStage == c.Stage {
		return false, nil
	}
	now := s.now()
	// guard on the stage we read so a concurrent edit is not overwritten
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET stage = target_stage, stage_updated_at = ?, updated_at = ?
		WHERE id = ? AND stage = ? AND target_stage = ? AND active = 1`,
		now, now, c.ID, c.Stage, c.TargetStage,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to advance campaign %s", c.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

// SetTarget records the stage a campaign should move to next.
func (s *Store) SetTarget(ctx context.Context, id, target string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET target_stage = ?, updated_at = ? WHERE id = ?`,
		nullable(target), s.now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set target stage for campaign %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("campaign %s", id)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
