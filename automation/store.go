package automation

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/leadpulse/db"
	"github.com/teranos/leadpulse/errors"
)

// Store is the SQLite automation repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an automation store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts an automation after checking its schedule parses.
func (s *Store) Create(ctx context.Context, a Automation) error {
	if a.ID == "" || a.Name == "" || a.Action == "" {
		return errors.NewInvalidRequestError("automation needs id, name and action")
	}
	if _, err := cron.ParseStandard(a.Schedule); err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid schedule %q", a.Schedule), errors.ErrInvalidRequest)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automations (id, campaign_id, name, schedule, action, params, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullable(a.CampaignID), a.Name, a.Schedule, a.Action, nullable(string(a.Params)),
		a.Enabled, created.UTC(), s.now(),
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "automation %s already exists", a.ID), errors.ErrAlreadyExists)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create automation %s", a.ID)
	}
	return nil
}

const automationColumns = `id, campaign_id, name, schedule, action, params, enabled, last_run_at, last_error, created_at`

func scanAutomation(row interface{ Scan(...interface{}) error }) (Automation, error) {
	var (
		a                            Automation
		campaign, params, lastError sql.NullString
		lastRun                      sql.NullTime
	)
	if err := row.Scan(&a.ID, &campaign, &a.Name, &a.Schedule, &a.Action, &params, &a.Enabled, &lastRun, &lastError, &a.CreatedAt); err != nil {
		return a, err
	}
	a.CampaignID = campaign.String
	if params.Valid {
		a.Params = []byte(params.String)
	}
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRunAt = &t
	}
	a.LastError = lastError.String
	return a, nil
}

// Get returns one automation.
func (s *Store) Get(ctx context.Context, id string) (Automation, error) {
	a, err := scanAutomation(s.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return a, errors.NewNotFoundError("automation %s", id)
	}
	if err != nil {
		return a, errors.Wrapf(err, "failed to get automation %s", id)
	}
	return a, nil
}

// FetchAutomations implements Repository. Only enabled automations are returned.
func (s *Store) FetchAutomations(ctx context.Context) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+automationColumns+`
		FROM automations
		WHERE enabled = 1
		ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query automations")
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan automation")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate automations")
}

// RecordRun implements Repository.
func (s *Store) RecordRun(ctx context.Context, id string, run Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automations SET last_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		run.At.UTC(), nullable(run.Error), s.now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record run for automation %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("automation %s", id)
	}
	return nil
}

// RecordError implements Repository.
func (s *Store) RecordError(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automations SET last_error = ?, updated_at = ? WHERE id = ?`,
		nullable(msg), s.now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record error for automation %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("automation %s", id)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
