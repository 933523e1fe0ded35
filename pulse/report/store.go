package report

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/leadpulse/errors"
)

// Store persists reports in the run_reports table so the monitoring side can
// read recent runs.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Emit implements Sink.
func (s *Store) Emit(ctx context.Context, r Report) error {
	return s.Save(ctx, r)
}

// Save inserts r.
func (s *Store) Save(ctx context.Context, r Report) error {
	var errs sql.NullString
	if len(r.Errors) > 0 {
		data, err := json.Marshal(r.Errors)
		if err != nil {
			return errors.Wrap(err, "failed to encode report errors")
		}
		errs = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_reports (run_id, scope, outcome, items_processed, errors, stop_reason, fatal, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Scope, string(r.Outcome), r.ItemsProcessed, errs, nullable(r.StopReason), nullable(r.Fatal),
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save report %s", r.RunID)
	}
	return nil
}

// Recent returns up to limit reports, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scope, outcome, items_processed, errors, stop_reason, fatal, started_at, finished_at
		FROM run_reports
		ORDER BY finished_at DESC, run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run reports")
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r       Report
			outcome string
			errs    sql.NullString
			stop    sql.NullString
			fatal   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Scope, &outcome, &r.ItemsProcessed, &errs, &stop, &fatal, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan run report")
		}
		r.Outcome = Outcome(outcome)
		r.StopReason = stop.String
		r.Fatal = fatal.String
		if errs.Valid {
			if err := json.Unmarshal([]byte(errs.String), &r.Errors); err != nil {
				return nil, errors.Wrapf(err, "corrupt errors for report %s", r.RunID)
			}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate run reports")
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
